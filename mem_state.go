package ropgen

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
)

// MemState represents the net effect of an instruction sequence on the machine,
// starting from an unspecified initial state. Locations that were never
// written read as their original value.
//
// A MemState is persistent. Writes return a new state and never modify the
// receiver, so states may be shared freely between search states.
type MemState struct {
	m *immutable.SortedMap // *Location -> Value
}

// NewMemState returns a blank state.
func NewMemState() *MemState {
	return &MemState{m: immutable.NewSortedMap(&locationComparer{})}
}

// MemEntry is a location and the value stored there.
type MemEntry struct {
	Loc   *Location
	Value Value
}

// Len returns the number of written locations.
func (s *MemState) Len() int { return s.m.Len() }

// Entries returns all written locations in location order.
func (s *MemState) Entries() []MemEntry {
	a := make([]MemEntry, 0, s.m.Len())
	itr := s.m.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		a = append(a, MemEntry{Loc: k.(*Location), Value: v.(Value)})
	}
	return a
}

// Resolve returns loc with its address evaluated against s. Registers and
// locations on a blank state are returned unchanged.
func (s *MemState) Resolve(loc *Location) *Location {
	if s.m.Len() == 0 {
		return loc
	}

	switch loc.Kind() {
	case LocationRegister:
		return loc
	case LocationIndirect:
		return NewIndirect(s.Evaluate(loc.Addr))
	case LocationMemory:
		var index *Value
		if loc.Index != nil {
			v := s.Evaluate(*loc.Index)
			index = &v
		}
		return NewMemory(s.Evaluate(loc.Base), index, loc.Scale, loc.Disp)
	default:
		panic("unreachable")
	}
}

// Read returns the value at loc. The address of loc is resolved against s.
func (s *MemState) Read(loc *Location) Value {
	return s.get(s.Resolve(loc))
}

// Write returns a new state with v stored at loc. The address of loc is
// resolved against s.
func (s *MemState) Write(loc *Location, v Value) *MemState {
	return s.set(s.Resolve(loc), v)
}

// get returns the value at an already resolved location.
func (s *MemState) get(loc *Location) Value {
	if v, ok := s.m.Get(loc); ok {
		return v.(Value)
	}
	return ValueAt(loc)
}

// set stores v at an already resolved location.
func (s *MemState) set(loc *Location, v Value) *MemState {
	return &MemState{m: s.m.Set(loc, v)}
}

// Eval returns the value of an operand in s.
func (s *MemState) Eval(op Operand) Value {
	switch op := op.(type) {
	case *Location:
		return s.Read(op)
	case Value:
		return op
	default:
		panic(fmt.Sprintf("ropgen.MemState: unexpected operand type %T", op))
	}
}

// Evaluate rewrites v so that each original value it refers to is replaced
// with the value currently held in s.
func (s *MemState) Evaluate(v Value) Value {
	if v.IsKnown() || s.m.Len() == 0 {
		return v
	}

	result := NewValue(v.Offset)
	for _, t := range v.Terms {
		var x Value
		switch atom := t.Atom.(type) {
		case *Location:
			x = s.Read(atom)
		case *BitwiseExpr:
			x = newBitwiseValue(atom.Op, s.Evaluate(atom.LHS), s.Evaluate(atom.RHS))
		default:
			panic("unreachable")
		}
		result = result.Plus(x.Scale(t.Coeff))
	}
	return result
}

// Equal returns true if s and other hold exactly the same entries.
func (s *MemState) Equal(other *MemState) bool {
	if s == other {
		return true
	} else if s.m.Len() != other.m.Len() {
		return false
	}

	a, b := s.m.Iterator(), other.m.Iterator()
	for !a.Done() {
		k0, v0 := a.Next()
		k1, v1 := b.Next()
		if CompareLocation(k0.(*Location), k1.(*Location)) != 0 {
			return false
		} else if !v0.(Value).Equal(v1.(Value)) {
			return false
		}
	}
	return true
}

// Equivalence returns the bindings under which s and other hold the same
// entries. Every entry of s must pair with a distinct entry of other.
func (s *MemState) Equivalence(other *MemState) (Bindings, bool) {
	if s.Equal(other) {
		return Bindings{}, true
	} else if s.Len() != other.Len() {
		return nil, false
	}

	a, b := s.Entries(), other.Entries()
	return matchEntries(a, b, 0, make([]bool, len(b)), Bindings{})
}

// matchEntries pairs a[i:] with unused entries of b by backtracking.
func matchEntries(a, b []MemEntry, i int, used []bool, acc Bindings) (Bindings, bool) {
	if i == len(a) {
		return acc, true
	}
	for j := range b {
		if used[j] {
			continue
		}

		eq, ok := a[i].Loc.Equivalence(b[j].Loc)
		if !ok {
			continue
		}
		eq2, ok := a[i].Value.Equivalence(b[j].Value)
		if !ok {
			continue
		}
		if eq, ok = eq.Merge(eq2); !ok {
			continue
		}
		merged, ok := acc.Merge(eq)
		if !ok {
			continue
		}

		used[j] = true
		if result, ok := matchEntries(a, b, i+1, used, merged); ok {
			return result, true
		}
		used[j] = false
	}
	return nil, false
}

// Reassigned returns a copy of s with every stored location and value renamed
// through b.
func (s *MemState) Reassigned(b Bindings) *MemState {
	if len(b) == 0 {
		return s
	}
	other := NewMemState()
	for _, e := range s.Entries() {
		other = other.set(e.Loc.Reassigned(b), e.Value.Reassigned(b))
	}
	return other
}

// String returns the entries of the state in location order.
func (s *MemState) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, e := range s.Entries() {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %s", e.Loc, e.Value)
	}
	buf.WriteString("}")
	return buf.String()
}

// locationComparer compares two locations. Implements immutable.Comparer.
type locationComparer struct{}

// Compare returns -1 if a sorts before b, returns 1 if a sorts after b, and
// returns 0 if a is equal to b. Panic if a or b is not a *Location.
func (c *locationComparer) Compare(a, b interface{}) int {
	return CompareLocation(a.(*Location), b.(*Location))
}
