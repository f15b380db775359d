package ropgen

import (
	"bytes"
	"fmt"
)

// NoRoot is used as Transition.Root when the search should find the root
// that the new machine state satisfies.
const NoRoot = -1

// SearchState represents a point in the search: the machine state reached by
// a chain of gadgets, the residual graph of target actions and the register
// bindings discovered so far. States are never modified after creation.
type SearchState struct {
	parent *SearchState
	depth  int

	mem   *MemState
	graph *Graph

	// Every binding of fresh to concrete register ever discovered.
	eq Bindings

	// Live substitution from concrete to fresh register. Pruned of registers
	// the residual graph no longer involves.
	assigns Bindings

	// Gadget that produced this state from its parent.
	action *Action
	addr   uint64
}

// NewSearchState returns the initial state of a search over g.
func NewSearchState(g *Graph) *SearchState {
	return &SearchState{
		mem:     NewMemState(),
		graph:   g,
		eq:      Bindings{},
		assigns: Bindings{},
	}
}

// Parent returns the state this state was derived from.
func (s *SearchState) Parent() *SearchState { return s.parent }

// Depth returns the number of gadgets executed to reach this state.
func (s *SearchState) Depth() int { return s.depth }

// Mem returns the machine state reached.
func (s *SearchState) Mem() *MemState { return s.mem }

// Graph returns the residual graph of target actions.
func (s *SearchState) Graph() *Graph { return s.graph }

// Equivalence returns the accumulated fresh to concrete bindings.
// The returned table must not be modified.
func (s *SearchState) Equivalence() Bindings { return s.eq }

// Assignments returns the live concrete to fresh substitution.
// The returned table must not be modified.
func (s *SearchState) Assignments() Bindings { return s.assigns }

// Action returns the gadget action that produced this state. Returns nil for
// the initial state.
func (s *SearchState) Action() *Action { return s.action }

// Address returns the address of the gadget that produced this state.
// Returns false for the initial state.
func (s *SearchState) Address() (uint64, bool) {
	return s.addr, s.action != nil
}

// IsGoal returns true if every target action has been satisfied.
func (s *SearchState) IsGoal() bool { return s.graph.IsEmpty() }

// Transition describes a gadget executed from a search state.
type Transition struct {
	Action *Action   // gadget action
	Addr   uint64    // gadget address
	Mem    *MemState // machine state after the gadget

	// Root the new state satisfies. NoRoot searches the roots for one whose
	// expected outcome equals Mem.
	Root int

	// New bindings discovered by matching the gadget.
	Eq Bindings

	// If set, a transition with NoRoot that matches no root is rejected
	// instead of invalidating the actions of every root.
	StrictRootMatch bool
}

// Next returns the state reached by t. Returns ErrBindingConflict if t.Eq
// contradicts the accumulated bindings and ErrNotRoot if t.Root is not
// currently a root.
func (s *SearchState) Next(t Transition) (*SearchState, error) {
	if s.eq.Conflicts(t.Eq) {
		return nil, fmt.Errorf("%s against %s: %w", t.Eq, s.eq, ErrBindingConflict)
	}
	eq, _ := s.eq.Merge(t.Eq)

	var g *Graph
	if t.Root != NoRoot {
		if !s.graph.IsRoot(t.Root) {
			return nil, fmt.Errorf("node %d: %w", t.Root, ErrNotRoot)
		}
		g = s.graph.WithoutRoot(t.Root)
	} else {
		for _, id := range s.graph.Roots() {
			if s.graph.Expected(id).Reassigned(eq).Equal(t.Mem) {
				g = s.graph.WithoutRoot(id)
				break
			}
		}

		if g == nil {
			if t.StrictRootMatch {
				return nil, fmt.Errorf("no root matches %s: %w", t.Mem, ErrNotRoot)
			}
			g = s.graph.WithInvalidatedRoots()
		}
	}

	assigns := s.assigns.Clone()
	for fresh, concrete := range t.Eq {
		assigns[concrete] = fresh
	}
	for concrete, fresh := range assigns {
		if !g.Involves(fresh) {
			delete(assigns, concrete)
		}
	}

	return &SearchState{
		parent:  s,
		depth:   s.depth + 1,
		mem:     t.Mem,
		graph:   g,
		eq:      eq,
		assigns: assigns,
		action:  t.Action,
		addr:    t.Addr,
	}, nil
}

// Path returns the states from the initial state to s.
func (s *SearchState) Path() []*SearchState {
	a := make([]*SearchState, s.depth+1)
	for state := s; state != nil; state = state.parent {
		a[state.depth] = state
	}
	return a
}

// Dump returns the chain of gadgets leading to s and its bindings.
func (s *SearchState) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "SEARCH STATE")
	fmt.Fprintln(&buf, "============")
	fmt.Fprintf(&buf, "depth=%d remaining=%d\n", s.depth, s.graph.Len())
	fmt.Fprintf(&buf, "mem=%s\n", s.mem)
	fmt.Fprintf(&buf, "eq=%s\n", s.eq)
	fmt.Fprintf(&buf, "assigns=%s\n", s.assigns)
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CHAIN")
	for _, state := range s.Path() {
		if addr, ok := state.Address(); ok {
			fmt.Fprintf(&buf, "%#08x %s\n", addr, state.action)
		}
	}
	return buf.String()
}
