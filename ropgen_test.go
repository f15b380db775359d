package ropgen_test

import (
	"flag"
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/benbjohnson/ropgen"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}
	os.Exit(m.Run())
}

// Reg returns a register location.
func Reg(name string) *ropgen.Location {
	return ropgen.NewRegister(name)
}

// At returns the original value of a register.
func At(name string) ropgen.Value {
	return ropgen.ValueAt(ropgen.NewRegister(name))
}

// Mem returns a memory location based at a register.
func Mem(base string, disp int64) *ropgen.Location {
	return ropgen.NewMemory(At(base), nil, 1, disp)
}

// Imm returns a known value.
func Imm(v int64) ropgen.Value {
	return ropgen.NewValue(v)
}

// MustParseAction parses an action. Fatal on error.
func MustParseAction(tb testing.TB, s string) *ropgen.Action {
	tb.Helper()
	a, err := ropgen.ParseAction(s)
	if err != nil {
		tb.Fatal(err)
	}
	return a
}

// MustNewAction returns a new action. Fatal on error.
func MustNewAction(tb testing.TB, op ropgen.Opcode, dst, src ropgen.Operand) *ropgen.Action {
	tb.Helper()
	a, err := ropgen.NewAction(op, dst, src)
	if err != nil {
		tb.Fatal(err)
	}
	return a
}

// MustParseProgram parses a program from a string. Fatal on error.
func MustParseProgram(tb testing.TB, s string) []*ropgen.Instruction {
	tb.Helper()
	program, err := ropgen.ParseProgram(strings.NewReader(s))
	if err != nil {
		tb.Fatal(err)
	}
	return program
}

// MustFreshGraph returns the freshened graph of a program.
func MustFreshGraph(tb testing.TB, s string) *ropgen.Graph {
	tb.Helper()
	g := ropgen.NewGraph(MustParseProgram(tb, s))
	g.Freshen(&ropgen.RegisterAllocator{})
	return g
}

// NewState returns a machine state with the given registers written.
func NewState(regs map[string]ropgen.Value) *ropgen.MemState {
	s := ropgen.NewMemState()
	for name, v := range regs {
		s = s.Write(Reg(name), v)
	}
	return s
}

// LocationStrings returns the string form of each location.
func LocationStrings(a []*ropgen.Location) []string {
	other := make([]string, len(a))
	for i := range a {
		other[i] = a[i].String()
	}
	return other
}
