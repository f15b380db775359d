package main

import (
	"bytes"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/ropgen"
	"github.com/benbjohnson/ropgen/x86"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}
	os.Exit(m.Run())
}

func TestGraphCommand_Run(t *testing.T) {
	var buf bytes.Buffer
	cmd := &GraphCommand{Freshen: true, Stdout: &buf}
	if err := cmd.Run(filepath.Join("testdata", "execve.asm")); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, exp := range []string{"Fresh registers: {", "Graph (", "int 0x80"} {
		if !strings.Contains(out, exp) {
			t.Fatalf("expected %q in:\n%s", exp, out)
		}
	}
}

func TestGadgetsCommand_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	data := []byte("cached binary")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	catalog := ropgen.NewCatalog()
	xor, err := ropgen.ParseAction("xor eax, eax")
	if err != nil {
		t.Fatal(err)
	}
	catalog.Add(xor, 0x0a00)
	catalog.Add(xor, 0x1000)

	cacheDir := filepath.Join(dir, "cache")
	if err := x86.NewCache(cacheDir).Save(x86.Key(data)+"-32", catalog); err != nil {
		t.Fatal(err)
	}

	avoid := filepath.Join(dir, "avoid")
	if err := os.WriteFile(avoid, []byte("0x0a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cmd := &GadgetsCommand{CacheDir: cacheDir, Bits: 32, Avoid: avoid, Stdout: &buf}
	if err := cmd.Run(path); err != nil {
		t.Fatal(err)
	}
	if got, exp := buf.String(), "xor:\n        xor eax, eax : [0x1000]\n1 gadgets\n"; got != exp {
		t.Fatalf("output=%q, expected %q", got, exp)
	}
}

func TestTruncate(t *testing.T) {
	if got, exp := truncate("\tmov eax, 0x1", 80), "        mov eax, 0x1"; got != exp {
		t.Fatalf("truncate()=%q, expected %q", got, exp)
	} else if got, exp := truncate("abcdefghijklmnopqrstuvwxyz", 20), "abcdefghijklmnopq..."; got != exp {
		t.Fatalf("truncate()=%q, expected %q", got, exp)
	}
}
