package ropgen

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// LocationKind represents which alternative of a Location is populated.
type LocationKind int

const (
	LocationRegister = LocationKind(iota + 1)
	LocationIndirect
	LocationMemory
)

// String returns the name of the kind.
func (k LocationKind) String() string {
	switch k {
	case LocationRegister:
		return "register"
	case LocationIndirect:
		return "indirect"
	case LocationMemory:
		return "memory"
	default:
		return fmt.Sprintf("LocationKind<%d>", int(k))
	}
}

// Location represents an addressable place on the machine.
//
// A location is exactly one of: a named register, an indirect reference to
// the address given by Addr, or a computed memory reference at
// Base + Index*Scale + Disp. Locations must not be modified after construction.
type Location struct {
	kind LocationKind

	// Register name.
	Reg string

	// Indirect address.
	Addr Value

	// Computed memory reference. Index is nil when absent.
	Base  Value
	Index *Value
	Scale int64
	Disp  int64
}

// NewRegister returns a register location.
func NewRegister(name string) *Location {
	assert(name != "", "empty register name")
	return &Location{kind: LocationRegister, Reg: name}
}

// NewIndirect returns a location at the address given by addr.
func NewIndirect(addr Value) *Location {
	return &Location{kind: LocationIndirect, Addr: addr}
}

// NewMemory returns a computed memory reference. Constant parts of base and
// index are folded into the displacement. If the address is known statically
// then an indirect location at that address is returned instead.
func NewMemory(base Value, index *Value, scale, disp int64) *Location {
	disp += base.Offset
	base = Value{Terms: base.Terms}

	if index != nil && scale != 0 {
		disp += index.Offset * scale
		if index.IsKnown() {
			index = nil
		} else {
			other := Value{Terms: index.Terms}
			index = &other
		}
	} else {
		index = nil
	}
	if index == nil {
		scale = 1
	}

	if base.IsKnown() && index == nil {
		return NewIndirect(NewValue(disp))
	}
	return &Location{kind: LocationMemory, Base: base, Index: index, Scale: scale, Disp: disp}
}

// Kind returns the populated alternative of the location.
func (loc *Location) Kind() LocationKind { return loc.kind }

// IsRegister returns true if loc is a register.
func (loc *Location) IsRegister() bool { return loc.kind == LocationRegister }

// IsFresh returns true if loc is a fresh register introduced by the search.
func (loc *Location) IsFresh() bool {
	return loc.kind == LocationRegister && IsFreshName(loc.Reg)
}

// IsFreshName returns true if name is reserved for fresh registers.
func IsFreshName(name string) bool {
	return strings.HasPrefix(name, FreshPrefix)
}

// Equal returns true if loc and other are structurally identical.
func (loc *Location) Equal(other *Location) bool {
	return CompareLocation(loc, other) == 0
}

// EffectiveAddress returns the address referenced by a memory location.
// Registers have no address.
func (loc *Location) EffectiveAddress() (Value, error) {
	switch loc.kind {
	case LocationIndirect:
		return loc.Addr, nil
	case LocationMemory:
		v := loc.Base.Plus(NewValue(loc.Disp))
		if loc.Index != nil {
			v = v.Plus(loc.Index.Scale(loc.Scale))
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("%s: %w", loc, ErrUnsupportedAddressForm)
	}
}

// Equivalence returns the bindings under which loc and other are the same
// location. Returns false if no such bindings exist.
func (loc *Location) Equivalence(other *Location) (Bindings, bool) {
	if loc.Equal(other) {
		return Bindings{}, true
	} else if loc.kind != other.kind {
		return nil, false
	}

	switch loc.kind {
	case LocationRegister:
		// Only a fresh register may stand for a concrete one.
		if a, b := loc.IsFresh(), other.IsFresh(); a && !b {
			return Bindings{loc.Reg: other.Reg}, true
		} else if !a && b {
			return Bindings{other.Reg: loc.Reg}, true
		}
		return nil, false

	case LocationIndirect:
		return loc.Addr.Equivalence(other.Addr)

	case LocationMemory:
		if loc.Scale != other.Scale || loc.Disp != other.Disp {
			return nil, false
		} else if (loc.Index == nil) != (other.Index == nil) {
			return nil, false
		}

		eq, ok := loc.Base.Equivalence(other.Base)
		if !ok {
			return nil, false
		} else if loc.Index == nil {
			return eq, true
		}

		eq2, ok := loc.Index.Equivalence(*other.Index)
		if !ok {
			return nil, false
		}
		return eq.Merge(eq2)

	default:
		panic("unreachable")
	}
}

// Reassigned returns loc with every register renamed through b.
func (loc *Location) Reassigned(b Bindings) *Location {
	if len(b) == 0 {
		return loc
	}

	switch loc.kind {
	case LocationRegister:
		if name, ok := b[loc.Reg]; ok {
			return NewRegister(name)
		}
		return loc
	case LocationIndirect:
		return NewIndirect(loc.Addr.Reassigned(b))
	case LocationMemory:
		var index *Value
		if loc.Index != nil {
			v := loc.Index.Reassigned(b)
			index = &v
		}
		return NewMemory(loc.Base.Reassigned(b), index, loc.Scale, loc.Disp)
	default:
		panic("unreachable")
	}
}

// Registers returns the register locations involved in loc. A register
// returns itself. Memory locations return the registers of their address.
func (loc *Location) Registers() []*Location {
	return uniqueLocations(loc.appendRegisters(nil))
}

func (loc *Location) appendRegisters(a []*Location) []*Location {
	switch loc.kind {
	case LocationRegister:
		return append(a, loc)
	case LocationIndirect:
		return loc.Addr.appendRegisters(a)
	case LocationMemory:
		a = loc.Base.appendRegisters(a)
		if loc.Index != nil {
			a = loc.Index.appendRegisters(a)
		}
		return a
	default:
		panic("unreachable")
	}
}

// addressRegisters returns the registers used to compute the address of loc.
func (loc *Location) addressRegisters() []*Location {
	if loc.kind == LocationRegister {
		return nil
	}
	return loc.Registers()
}

// String returns the location in assembly syntax.
func (loc *Location) String() string {
	switch loc.kind {
	case LocationRegister:
		return loc.Reg
	case LocationIndirect:
		return "[" + loc.Addr.String() + "]"
	case LocationMemory:
		var buf bytes.Buffer
		buf.WriteString("[")
		hasBase := !loc.Base.Equal(Value{})
		if hasBase {
			buf.WriteString(loc.Base.String())
		}
		if loc.Index != nil {
			if hasBase {
				buf.WriteString(" + ")
			}
			fmt.Fprintf(&buf, "%s*%d", loc.Index.String(), loc.Scale)
		}
		if loc.Disp > 0 {
			fmt.Fprintf(&buf, " + %#x", loc.Disp)
		} else if loc.Disp < 0 {
			fmt.Fprintf(&buf, " - %#x", uint64(-loc.Disp))
		}
		buf.WriteString("]")
		return buf.String()
	default:
		return "<invalid location>"
	}
}

// CompareLocation returns an integer comparing two locations. Registers sort
// before indirect references which sort before computed memory references.
func CompareLocation(a, b *Location) int {
	if a == b {
		return 0
	} else if a.kind < b.kind {
		return -1
	} else if a.kind > b.kind {
		return 1
	}

	switch a.kind {
	case LocationRegister:
		return strings.Compare(a.Reg, b.Reg)
	case LocationIndirect:
		return CompareValue(a.Addr, b.Addr)
	case LocationMemory:
		if cmp := CompareValue(a.Base, b.Base); cmp != 0 {
			return cmp
		}
		if a.Index == nil && b.Index != nil {
			return -1
		} else if a.Index != nil && b.Index == nil {
			return 1
		} else if a.Index != nil {
			if cmp := CompareValue(*a.Index, *b.Index); cmp != 0 {
				return cmp
			}
		}
		if a.Scale < b.Scale {
			return -1
		} else if a.Scale > b.Scale {
			return 1
		}
		if a.Disp < b.Disp {
			return -1
		} else if a.Disp > b.Disp {
			return 1
		}
		return 0
	default:
		panic("unreachable")
	}
}

// uniqueLocations sorts a and removes duplicates in place.
func uniqueLocations(a []*Location) []*Location {
	sort.Slice(a, func(i, j int) bool { return CompareLocation(a[i], a[j]) < 0 })
	out := a[:0]
	for _, loc := range a {
		if n := len(out); n > 0 && CompareLocation(out[n-1], loc) == 0 {
			continue
		}
		out = append(out, loc)
	}
	return out
}

// registerNames returns the names of a list of register locations.
func registerNames(a []*Location) []string {
	names := make([]string, len(a))
	for i, loc := range a {
		names[i] = loc.Reg
	}
	return names
}

// RegisterAllocator hands out globally unique fresh register names.
// The zero value is ready to use.
type RegisterAllocator struct {
	n int
}

// Next returns a new fresh register.
func (a *RegisterAllocator) Next() *Location {
	loc := NewRegister(fmt.Sprintf("%s%d", FreshPrefix, a.n))
	a.n++
	return loc
}

// Len returns the number of registers allocated so far.
func (a *RegisterAllocator) Len() int { return a.n }
