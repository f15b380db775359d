package ropgen

import (
	"fmt"
	"strings"
)

// Opcode represents the kind of an Action.
type Opcode int

const (
	MOV = Opcode(iota + 1)
	ADD
	SUB
	XOR
	LEA
	INT
	INC
	DEC
	XCHG
	AND
	OR
	NEG
)

var opcodeNames = [...]string{
	MOV:  "mov",
	ADD:  "add",
	SUB:  "sub",
	XOR:  "xor",
	LEA:  "lea",
	INT:  "int",
	INC:  "inc",
	DEC:  "dec",
	XCHG: "xchg",
	AND:  "and",
	OR:   "or",
	NEG:  "neg",
}

// String returns the mnemonic of the opcode.
func (op Opcode) String() string {
	if op > 0 && int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode<%d>", int(op))
}

// IsUnary returns true if the opcode takes a single operand.
func (op Opcode) IsUnary() bool {
	switch op {
	case INT, INC, DEC, NEG:
		return true
	default:
		return false
	}
}

// ParseOpcode returns the opcode for a mnemonic. Case insensitive.
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToLower(s)
	for op, name := range opcodeNames {
		if name != "" && name == s {
			return Opcode(op), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownOpcode)
}

// Action represents the effect of a single instruction. It is used both for
// instructions of the target program and for gadgets.
//
// Unary actions carry a zero Src. Actions must not be modified after
// construction.
type Action struct {
	Op  Opcode
	Dst Operand
	Src Operand
}

// NewAction returns a validated action. Src must be nil for unary opcodes.
func NewAction(op Opcode, dst, src Operand) (*Action, error) {
	if dst == nil {
		return nil, fmt.Errorf("%s: missing destination: %w", op, ErrMalformedOperand)
	}

	switch op {
	case INT:
		v, ok := dst.(Value)
		if !ok || !v.IsKnown() {
			return nil, fmt.Errorf("int %s: vector must be an immediate: %w", dst, ErrMalformedOperand)
		} else if src != nil {
			return nil, fmt.Errorf("int %s: unexpected operand %s: %w", dst, src, ErrMalformedOperand)
		}
		return &Action{Op: op, Dst: dst, Src: NewValue(0)}, nil

	case INC, DEC, NEG:
		if _, ok := dst.(*Location); !ok {
			return nil, fmt.Errorf("%s %s: destination must be a location: %w", op, dst, ErrMalformedOperand)
		} else if src != nil {
			return nil, fmt.Errorf("%s %s: unexpected operand %s: %w", op, dst, src, ErrMalformedOperand)
		}
		return &Action{Op: op, Dst: dst, Src: NewValue(0)}, nil

	case MOV, ADD, SUB, XOR, AND, OR, LEA, XCHG:
		if _, ok := dst.(*Location); !ok {
			return nil, fmt.Errorf("%s %s: destination must be a location: %w", op, dst, ErrMalformedOperand)
		} else if src == nil {
			return nil, fmt.Errorf("%s %s: missing source: %w", op, dst, ErrMalformedOperand)
		}

		if op == XCHG {
			if _, ok := src.(*Location); !ok {
				return nil, fmt.Errorf("xchg %s, %s: source must be a location: %w", dst, src, ErrMalformedOperand)
			}
		} else if op == LEA {
			if _, err := operandAddress(src); err != nil {
				return nil, fmt.Errorf("lea %s: %w", dst, err)
			}
		}
		return &Action{Op: op, Dst: dst, Src: src}, nil

	default:
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownOpcode)
	}
}

// operandAddress returns the effective address of an operand.
func operandAddress(op Operand) (Value, error) {
	switch op := op.(type) {
	case *Location:
		return op.EffectiveAddress()
	case Value:
		return op.EffectiveAddress()
	default:
		panic("unreachable")
	}
}

// dst returns the destination location. Panic if the action has none.
func (a *Action) dst() *Location {
	loc, ok := a.Dst.(*Location)
	assert(ok, "%s: destination is not a location", a.Op)
	return loc
}

// Apply returns the state that results from executing a on s. Every operand
// is evaluated against s before anything is written.
func (a *Action) Apply(s *MemState) *MemState {
	switch a.Op {
	case INT:
		return s
	case XCHG:
		dst, src := s.Resolve(a.dst()), s.Resolve(a.Src.(*Location))
		x, y := s.get(dst), s.get(src)
		return s.set(dst, y).set(src, x)
	}

	dst := s.Resolve(a.dst())
	switch a.Op {
	case MOV:
		return s.set(dst, s.Eval(a.Src))
	case LEA:
		ea, err := operandAddress(a.Src)
		assert(err == nil, "lea: %s", err)
		return s.set(dst, s.Evaluate(ea))
	case ADD:
		return s.set(dst, s.get(dst).Plus(s.Eval(a.Src)))
	case SUB:
		return s.set(dst, s.get(dst).Minus(s.Eval(a.Src)))
	case XOR:
		return s.set(dst, s.get(dst).Xor(s.Eval(a.Src)))
	case AND:
		return s.set(dst, s.get(dst).And(s.Eval(a.Src)))
	case OR:
		return s.set(dst, s.get(dst).Or(s.Eval(a.Src)))
	case INC:
		return s.set(dst, s.get(dst).Plus(NewValue(1)))
	case DEC:
		return s.set(dst, s.get(dst).Minus(NewValue(1)))
	case NEG:
		return s.set(dst, s.get(dst).Neg())
	default:
		panic(fmt.Sprintf("ropgen.Action: unexpected opcode %s", a.Op))
	}
}

// DoesOverwriteDst returns true if the destination is replaced rather than
// updated relative to its previous value. A register xor'd with itself is
// overwritten with zero.
func (a *Action) DoesOverwriteDst() bool {
	switch a.Op {
	case MOV, LEA:
		return true
	case XOR:
		return a.isSelfXor()
	default:
		return false
	}
}

func (a *Action) isSelfXor() bool {
	if a.Op != XOR {
		return false
	}
	dst, ok0 := a.Dst.(*Location)
	src, ok1 := a.Src.(*Location)
	return ok0 && ok1 && dst.Equal(src)
}

// Equal returns true if a and other are structurally identical.
func (a *Action) Equal(other *Action) bool {
	if a == other {
		return true
	} else if a == nil || other == nil {
		return false
	}
	return a.Op == other.Op && operandEqual(a.Dst, other.Dst) && operandEqual(a.Src, other.Src)
}

// Equivalence returns the bindings under which a and other have the same
// effect. Interrupts only match the same vector.
func (a *Action) Equivalence(other *Action) (Bindings, bool) {
	if a.Equal(other) {
		return Bindings{}, true
	} else if a.Op != other.Op || a.Op == INT {
		return nil, false
	}

	eq, ok := operandEquivalence(a.Src, other.Src)
	if !ok {
		return nil, false
	}
	eq2, ok := operandEquivalence(a.Dst, other.Dst)
	if !ok {
		return nil, false
	}
	return eq.Merge(eq2)
}

// Reassigned returns a with every register renamed through b.
func (a *Action) Reassigned(b Bindings) *Action {
	if len(b) == 0 || a.Op == INT {
		return a
	}
	return &Action{Op: a.Op, Dst: reassignOperand(a.Dst, b), Src: reassignOperand(a.Src, b)}
}

// Freshened returns a with an overwritten destination register replaced by
// a fresh register from alloc.
//
// Sources are rewritten through the incoming renaming first. When a fresh
// register is introduced, renaming maps the old name to it for later actions
// and evidence maps the fresh name back to the old one. Both tables are
// updated in place.
func (a *Action) Freshened(alloc *RegisterAllocator, renaming, evidence Bindings) *Action {
	if a.Op == INT {
		return a
	}

	src := reassignOperand(a.Src, renaming)
	if dst, ok := a.Dst.(*Location); ok && dst.IsRegister() && a.DoesOverwriteDst() {
		fresh := alloc.Next()
		renaming[dst.Reg] = fresh.Reg
		evidence[fresh.Reg] = dst.Reg
		if a.isSelfXor() {
			src = fresh
		}
	}
	return &Action{Op: a.Op, Dst: reassignOperand(a.Dst, renaming), Src: src}
}

// Registers returns all register locations involved in a.
func (a *Action) Registers() []*Location {
	if a.Op == INT {
		return nil
	}
	return uniqueLocations(appendOperandRegisters(appendOperandRegisters(nil, a.Dst), a.Src))
}

// RegisterNames returns the names of all registers involved in a.
func (a *Action) RegisterNames() []string {
	return registerNames(a.Registers())
}

// String returns the action in assembly syntax.
func (a *Action) String() string {
	if a.Op.IsUnary() {
		return fmt.Sprintf("%s %s", a.Op, a.Dst)
	}
	return fmt.Sprintf("%s %s, %s", a.Op, a.Dst, a.Src)
}

func operandEqual(a, b Operand) bool {
	switch a := a.(type) {
	case *Location:
		b, ok := b.(*Location)
		return ok && a.Equal(b)
	case Value:
		b, ok := b.(Value)
		return ok && a.Equal(b)
	default:
		return a == nil && b == nil
	}
}

func operandEquivalence(a, b Operand) (Bindings, bool) {
	switch a := a.(type) {
	case *Location:
		if b, ok := b.(*Location); ok {
			return a.Equivalence(b)
		}
	case Value:
		if b, ok := b.(Value); ok {
			return a.Equivalence(b)
		}
	}
	return nil, false
}

func reassignOperand(op Operand, b Bindings) Operand {
	switch op := op.(type) {
	case *Location:
		return op.Reassigned(b)
	case Value:
		return op.Reassigned(b)
	default:
		panic("unreachable")
	}
}

func appendOperandRegisters(a []*Location, op Operand) []*Location {
	switch op := op.(type) {
	case *Location:
		return op.appendRegisters(a)
	case Value:
		return op.appendRegisters(a)
	default:
		return a
	}
}
