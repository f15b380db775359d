package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/ropgen"
	"github.com/benbjohnson/ropgen/x86"
	"github.com/google/go-cmp/cmp"
)

// MustNewGenerateCommand returns a command whose binary is served from a
// pre-populated gadget cache.
func MustNewGenerateCommand(tb testing.TB, program string, gadgets map[string]uint64) *GenerateCommand {
	tb.Helper()
	dir := tb.TempDir()

	binary := filepath.Join(dir, "bin")
	data := []byte("cached binary")
	if err := os.WriteFile(binary, data, 0o644); err != nil {
		tb.Fatal(err)
	}

	catalog := ropgen.NewCatalog()
	for s, addr := range gadgets {
		a, err := ropgen.ParseAction(s)
		if err != nil {
			tb.Fatal(err)
		}
		catalog.Add(a, addr)
	}
	cacheDir := filepath.Join(dir, "cache")
	if err := x86.NewCache(cacheDir).Save(x86.Key(data)+"-32", catalog); err != nil {
		tb.Fatal(err)
	}

	input := filepath.Join(dir, "input.asm")
	if err := os.WriteFile(input, []byte(program), 0o644); err != nil {
		tb.Fatal(err)
	}

	cmd := NewGenerateCommand()
	cmd.Config = Config{
		Input:    input,
		Output:   filepath.Join(dir, "payload"),
		Binary:   binary,
		Padding:  2,
		Seed:     1,
		CacheDir: cacheDir,
		Bits:     32,
	}
	cmd.Stdout, cmd.Stderr = &bytes.Buffer{}, &bytes.Buffer{}
	return cmd
}

func TestGenerateCommand_Run(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		cmd := MustNewGenerateCommand(t, "mov eax, 1\n", map[string]uint64{"mov ebx, 1": 0x1000})
		if err := cmd.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if got, exp := cmd.Stdout.(*bytes.Buffer).String(), "0x00001000  mov ebx, 0x1\n41411000\n"; got != exp {
			t.Fatalf("output=%q, expected %q", got, exp)
		}
		if buf, err := os.ReadFile(cmd.Config.Output); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff([]byte{'A', 'A', 0x10, 0x00}, buf); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrNoSolution", func(t *testing.T) {
		cmd := MustNewGenerateCommand(t, "mov eax, 1\n", map[string]uint64{"int 0x80": 0x4000})
		if err := cmd.Run(context.Background()); !errors.Is(err, ropgen.ErrNoSolution) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, exp := cmd.Stderr.(*bytes.Buffer).String(), "No chain found.\n"; got != exp {
			t.Fatalf("stderr=%q, expected %q", got, exp)
		} else if _, err := os.Stat(cmd.Config.Output); !os.IsNotExist(err) {
			t.Fatalf("unexpected payload file: %v", err)
		}
	})

	t.Run("InputRequired", func(t *testing.T) {
		cmd := NewGenerateCommand()
		cmd.Config.Binary = "bin"
		if err := cmd.Run(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}
