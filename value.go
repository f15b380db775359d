package ropgen

import (
	"bytes"
	"fmt"
	"sort"
)

// Operand represents an instruction operand. This is either a *Location or
// a Value.
type Operand interface {
	operand()
	String() string
}

func (*Location) operand() {}
func (Value) operand()     {}

// Atom represents a quantity that is not known until runtime.
// This is either the value stored at a *Location or a *BitwiseExpr.
type Atom interface {
	atom()
	String() string
}

func (*Location) atom()    {}
func (*BitwiseExpr) atom() {}

// Term is an atom scaled by an integer coefficient.
type Term struct {
	Atom  Atom
	Coeff int64
}

// Value represents a symbolic integer: Offset plus the sum of its terms.
//
// Values are canonical. Terms are sorted by CompareAtom, each atom appears
// at most once and no coefficient is zero. A Value without terms is known
// before runtime. Values must not be modified after construction.
type Value struct {
	Offset int64
	Terms  []Term
}

// NewValue returns a known value.
func NewValue(imm int64) Value {
	return Value{Offset: imm}
}

// ValueAt returns the value originally stored at loc.
func ValueAt(loc *Location) Value {
	assert(loc != nil, "value at nil location")
	return Value{Terms: []Term{{Atom: loc, Coeff: 1}}}
}

// newValue returns a canonical value from an offset and an unordered list of
// terms. The terms slice is owned by the returned value.
func newValue(offset int64, terms []Term) Value {
	if len(terms) == 0 {
		return Value{Offset: offset}
	}
	sort.SliceStable(terms, func(i, j int) bool {
		return CompareAtom(terms[i].Atom, terms[j].Atom) < 0
	})

	// Combine duplicate atoms and drop cancelled terms.
	out := terms[:0]
	for _, t := range terms {
		if n := len(out); n > 0 && CompareAtom(out[n-1].Atom, t.Atom) == 0 {
			out[n-1].Coeff += t.Coeff
			continue
		}
		out = append(out, t)
	}
	nonzero := out[:0]
	for _, t := range out {
		if t.Coeff != 0 {
			nonzero = append(nonzero, t)
		}
	}
	if len(nonzero) == 0 {
		return Value{Offset: offset}
	}
	return Value{Offset: offset, Terms: nonzero}
}

// IsKnown returns true if the value has no runtime terms.
func (v Value) IsKnown() bool {
	return len(v.Terms) == 0
}

// Equal returns true if v and other are structurally identical.
func (v Value) Equal(other Value) bool {
	return CompareValue(v, other) == 0
}

// Plus returns the sum of v and other.
func (v Value) Plus(other Value) Value {
	terms := make([]Term, 0, len(v.Terms)+len(other.Terms))
	terms = append(terms, v.Terms...)
	terms = append(terms, other.Terms...)
	return newValue(v.Offset+other.Offset, terms)
}

// Minus returns the difference of v and other.
func (v Value) Minus(other Value) Value {
	return v.Plus(other.Neg())
}

// Neg returns the negation of v.
func (v Value) Neg() Value {
	return v.Scale(-1)
}

// Scale returns v multiplied by a constant.
func (v Value) Scale(k int64) Value {
	if k == 0 {
		return Value{}
	}
	terms := make([]Term, len(v.Terms))
	for i, t := range v.Terms {
		terms[i] = Term{Atom: t.Atom, Coeff: t.Coeff * k}
	}
	return newValue(v.Offset*k, terms)
}

// Xor returns the bitwise XOR of v and other.
func (v Value) Xor(other Value) Value {
	return newBitwiseValue(XOR, v, other)
}

// And returns the bitwise AND of v and other.
func (v Value) And(other Value) Value {
	return newBitwiseValue(AND, v, other)
}

// Or returns the bitwise OR of v and other.
func (v Value) Or(other Value) Value {
	return newBitwiseValue(OR, v, other)
}

// newBitwiseValue computes op directly when possible. Otherwise it returns a
// single opaque term.
func newBitwiseValue(op Opcode, lhs, rhs Value) Value {
	if lhs.Equal(rhs) {
		switch op {
		case XOR:
			return Value{}
		case AND, OR:
			return lhs
		}
	}

	if lhs.IsKnown() && rhs.IsKnown() {
		switch op {
		case XOR:
			return NewValue(lhs.Offset ^ rhs.Offset)
		case AND:
			return NewValue(lhs.Offset & rhs.Offset)
		case OR:
			return NewValue(lhs.Offset | rhs.Offset)
		default:
			panic("unreachable")
		}
	}

	// Operands are commutative so store them in a fixed order.
	if CompareValue(lhs, rhs) > 0 {
		lhs, rhs = rhs, lhs
	}
	return Value{Terms: []Term{{Atom: &BitwiseExpr{Op: op, LHS: lhs, RHS: rhs}, Coeff: 1}}}
}

// EffectiveAddress returns the address of the location that v reads.
// Only defined when v is exactly the value at a single memory location.
func (v Value) EffectiveAddress() (Value, error) {
	if v.Offset != 0 || len(v.Terms) != 1 || v.Terms[0].Coeff != 1 {
		return Value{}, fmt.Errorf("%s: %w", v, ErrUnsupportedAddressForm)
	}
	loc, ok := v.Terms[0].Atom.(*Location)
	if !ok {
		return Value{}, fmt.Errorf("%s: %w", v, ErrUnsupportedAddressForm)
	}
	return loc.EffectiveAddress()
}

// Equivalence returns the register bindings under which v and other denote the
// same quantity. Returns false if no such bindings exist.
func (v Value) Equivalence(other Value) (Bindings, bool) {
	if v.Equal(other) {
		return Bindings{}, true
	} else if v.Offset != other.Offset || len(v.Terms) != len(other.Terms) {
		return nil, false
	}
	return matchTerms(v.Terms, other.Terms, 0, make([]bool, len(other.Terms)), Bindings{})
}

// matchTerms pairs a[i:] with unused terms of b by backtracking. Each pairing
// must agree on the coefficient and its atom bindings must be consistent with acc.
func matchTerms(a, b []Term, i int, used []bool, acc Bindings) (Bindings, bool) {
	if i == len(a) {
		return acc, true
	}
	for j := range b {
		if used[j] || a[i].Coeff != b[j].Coeff {
			continue
		}
		eq, ok := AtomEquivalence(a[i].Atom, b[j].Atom)
		if !ok {
			continue
		}
		merged, ok := acc.Merge(eq)
		if !ok {
			continue
		}

		used[j] = true
		if result, ok := matchTerms(a, b, i+1, used, merged); ok {
			return result, true
		}
		used[j] = false
	}
	return nil, false
}

// Reassigned returns v with every register renamed through b.
func (v Value) Reassigned(b Bindings) Value {
	if len(b) == 0 || v.IsKnown() {
		return v
	}
	terms := make([]Term, len(v.Terms))
	for i, t := range v.Terms {
		terms[i] = Term{Atom: reassignAtom(t.Atom, b), Coeff: t.Coeff}
	}
	return newValue(v.Offset, terms)
}

// Registers returns all register locations referenced by v.
func (v Value) Registers() []*Location {
	return uniqueLocations(v.appendRegisters(nil))
}

func (v Value) appendRegisters(a []*Location) []*Location {
	for _, t := range v.Terms {
		switch atom := t.Atom.(type) {
		case *Location:
			a = atom.appendRegisters(a)
		case *BitwiseExpr:
			a = atom.LHS.appendRegisters(a)
			a = atom.RHS.appendRegisters(a)
		}
	}
	return a
}

// String returns the string representation of the value.
func (v Value) String() string {
	if v.IsKnown() {
		return formatInt(v.Offset)
	}

	var buf bytes.Buffer
	if v.Offset != 0 {
		buf.WriteString(formatInt(v.Offset))
	}
	for _, t := range v.Terms {
		if buf.Len() > 0 {
			buf.WriteString(" + ")
		}
		if t.Coeff != 1 {
			fmt.Fprintf(&buf, "%d * ", t.Coeff)
		}
		buf.WriteString(t.Atom.String())
	}
	return buf.String()
}

// formatInt returns a signed hexadecimal representation of i.
func formatInt(i int64) string {
	if i < 0 {
		return fmt.Sprintf("-%#x", uint64(-i))
	}
	return fmt.Sprintf("%#x", uint64(i))
}

// BitwiseExpr represents a bitwise operation on operands that are not both known.
type BitwiseExpr struct {
	Op  Opcode
	LHS Value
	RHS Value
}

// String returns the string representation of the expression.
func (e *BitwiseExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Op, e.LHS, e.RHS)
}

// AtomEquivalence returns the bindings under which a and b are the same atom.
func AtomEquivalence(a, b Atom) (Bindings, bool) {
	switch a := a.(type) {
	case *Location:
		if b, ok := b.(*Location); ok {
			return a.Equivalence(b)
		}
		return nil, false
	case *BitwiseExpr:
		if b, ok := b.(*BitwiseExpr); ok {
			return a.equivalence(b)
		}
		return nil, false
	default:
		panic("unreachable")
	}
}

// equivalence matches operands in order and, since every bitwise operation is
// commutative, swapped.
func (e *BitwiseExpr) equivalence(other *BitwiseExpr) (Bindings, bool) {
	if e.Op != other.Op {
		return nil, false
	}
	if eq, ok := operandPairEquivalence(e.LHS, other.LHS, e.RHS, other.RHS); ok {
		return eq, true
	}
	return operandPairEquivalence(e.LHS, other.RHS, e.RHS, other.LHS)
}

func operandPairEquivalence(a0, b0, a1, b1 Value) (Bindings, bool) {
	eq0, ok := a0.Equivalence(b0)
	if !ok {
		return nil, false
	}
	eq1, ok := a1.Equivalence(b1)
	if !ok {
		return nil, false
	}
	return eq0.Merge(eq1)
}

func reassignAtom(atom Atom, b Bindings) Atom {
	switch atom := atom.(type) {
	case *Location:
		return atom.Reassigned(b)
	case *BitwiseExpr:
		return newBitwiseAtom(atom.Op, atom.LHS.Reassigned(b), atom.RHS.Reassigned(b))
	default:
		panic("unreachable")
	}
}

// newBitwiseAtom rebuilds a bitwise expression with the operand order
// restored after a rename.
func newBitwiseAtom(op Opcode, lhs, rhs Value) Atom {
	if CompareValue(lhs, rhs) > 0 {
		lhs, rhs = rhs, lhs
	}
	return &BitwiseExpr{Op: op, LHS: lhs, RHS: rhs}
}

// CompareValue returns an integer comparing two values. Returns 0 if a and b
// are structurally equal, -1 if a sorts before b and 1 otherwise.
func CompareValue(a, b Value) int {
	if a.Offset < b.Offset {
		return -1
	} else if a.Offset > b.Offset {
		return 1
	}

	if len(a.Terms) < len(b.Terms) {
		return -1
	} else if len(a.Terms) > len(b.Terms) {
		return 1
	}

	for i := range a.Terms {
		if cmp := CompareAtom(a.Terms[i].Atom, b.Terms[i].Atom); cmp != 0 {
			return cmp
		}
		if x, y := a.Terms[i].Coeff, b.Terms[i].Coeff; x < y {
			return -1
		} else if x > y {
			return 1
		}
	}
	return 0
}

// CompareAtom returns an integer comparing two atoms.
func CompareAtom(a, b Atom) int {
	if ak, bk := atomKind(a), atomKind(b); ak < bk {
		return -1
	} else if ak > bk {
		return 1
	}

	switch a := a.(type) {
	case *Location:
		return CompareLocation(a, b.(*Location))
	case *BitwiseExpr:
		return compareBitwiseExpr(a, b.(*BitwiseExpr))
	default:
		panic("unreachable")
	}
}

func compareBitwiseExpr(a, b *BitwiseExpr) int {
	if a.Op < b.Op {
		return -1
	} else if a.Op > b.Op {
		return 1
	}
	if cmp := CompareValue(a.LHS, b.LHS); cmp != 0 {
		return cmp
	}
	return CompareValue(a.RHS, b.RHS)
}

func atomKind(atom Atom) int {
	switch atom.(type) {
	case *Location:
		return 1
	case *BitwiseExpr:
		return 2
	default:
		panic("unreachable")
	}
}
