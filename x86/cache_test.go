package x86_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/benbjohnson/ropgen"
	"github.com/benbjohnson/ropgen/x86"
)

// MustNewCatalog returns a catalog from "action @ addr" lines.
func MustNewCatalog(tb testing.TB, lines ...string) *ropgen.Catalog {
	tb.Helper()
	c := ropgen.NewCatalog()
	for _, line := range lines {
		i := strings.LastIndex(line, "@")
		addr, err := strconv.ParseUint(strings.TrimSpace(line[i+1:]), 0, 64)
		if err != nil {
			tb.Fatal(err)
		}
		a, err := ropgen.ParseAction(line[:i])
		if err != nil {
			tb.Fatal(err)
		}
		c.Add(a, addr)
	}
	return c
}

func TestCache_SaveLoad(t *testing.T) {
	cache := x86.NewCache(filepath.Join(t.TempDir(), "cache"))
	catalog := MustNewCatalog(t,
		"mov eax, 1 @ 0x1000",
		"mov eax, 1 @ 0x1100",
		"lea eax, [ebx + ecx*4 - 8] @ 0x2000",
		"int 0x80 @ 0x3000",
	)

	if _, err := cache.Load("abc"); !errors.Is(err, x86.ErrCacheMiss) {
		t.Fatalf("unexpected error: %v", err)
	} else if err := cache.Save("abc", catalog); err != nil {
		t.Fatal(err)
	}

	other, err := cache.Load("abc")
	if err != nil {
		t.Fatal(err)
	} else if got, exp := other.String(), catalog.String(); got != exp {
		t.Fatalf("String()=%q, expected %q", got, exp)
	}

	buf, err := os.ReadFile(cache.Path("abc"))
	if err != nil {
		t.Fatal(err)
	} else if !strings.Contains(string(buf), "addresses: [4096, 4352]") {
		t.Fatalf("unexpected cache file:\n%s", buf)
	}
}

func TestCache_Load_Version(t *testing.T) {
	cache := x86.NewCache(t.TempDir())
	if err := os.WriteFile(cache.Path("abc"), []byte("version: 0\ngadgets: []\n"), 0o644); err != nil {
		t.Fatal(err)
	} else if _, err := cache.Load("abc"); !errors.Is(err, x86.ErrCacheMiss) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKey(t *testing.T) {
	a, b := x86.Key([]byte("foo")), x86.Key([]byte("bar"))
	if len(a) != 16 {
		t.Fatalf("unexpected key length: %q", a)
	} else if a == b {
		t.Fatal("expected distinct keys")
	} else if a != x86.Key([]byte("foo")) {
		t.Fatal("expected stable key")
	}
}

func TestExtractFile(t *testing.T) {
	t.Run("CacheHit", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "bin")
		data := []byte("not an elf file")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}

		cache := x86.NewCache(filepath.Join(dir, "cache"))
		if err := cache.Save(x86.Key(data)+"-32", MustNewCatalog(t, "xor eax, eax @ 0x1000")); err != nil {
			t.Fatal(err)
		}

		catalog, err := x86.ExtractFile(path, 32, cache)
		if err != nil {
			t.Fatal(err)
		} else if got, exp := catalog.Len(), 1; got != exp {
			t.Fatalf("Len()=%d, expected %d", got, exp)
		}
	})

	t.Run("NotELF", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bin")
		if err := os.WriteFile(path, []byte("not an elf file"), 0o644); err != nil {
			t.Fatal(err)
		} else if _, err := x86.ExtractFile(path, 0, nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("NotExist", func(t *testing.T) {
		if _, err := x86.ExtractFile(filepath.Join(t.TempDir(), "missing"), 0, nil); !os.IsNotExist(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
