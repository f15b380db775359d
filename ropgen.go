// Package ropgen synthesizes return-oriented-programming chains.
//
// A target program is turned into a dependency graph of Actions. The search
// then unifies gadget effects against the graph roots, binding fresh
// registers to the concrete registers each gadget happens to use.
package ropgen

import (
	"errors"
	"fmt"
)

// FreshPrefix is the reserved prefix of fresh register names. Parsed programs
// and decoded gadgets never produce names starting with it.
const FreshPrefix = "?"

var (
	ErrMalformedOperand       = errors.New("ropgen: malformed operand")
	ErrUnsupportedAddressForm = errors.New("ropgen: unsupported address form")
	ErrUnknownOpcode          = errors.New("ropgen: unknown opcode")
	ErrBindingConflict        = errors.New("ropgen: binding conflict")
	ErrNotRoot                = errors.New("ropgen: node is not a root")
	ErrNoSolution             = errors.New("ropgen: no chain found")
	ErrIterationLimit         = errors.New("ropgen: iteration limit reached")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
