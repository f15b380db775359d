// Package x86 finds gadgets in x86 machine code.
package x86

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/benbjohnson/ropgen"
	"golang.org/x/arch/x86/x86asm"
)

// MaxGadgetLen is the maximum length in bytes of a gadget, including its ret.
const MaxGadgetLen = 7

// RET is the near return opcode terminating every gadget.
const RET = 0xC3

var (
	ErrUnsupportedInstruction = errors.New("x86: unsupported instruction")
	ErrUnsupportedOperand     = errors.New("x86: unsupported operand")
)

var opcodes = map[x86asm.Op]ropgen.Opcode{
	x86asm.MOV:  ropgen.MOV,
	x86asm.ADD:  ropgen.ADD,
	x86asm.SUB:  ropgen.SUB,
	x86asm.XOR:  ropgen.XOR,
	x86asm.LEA:  ropgen.LEA,
	x86asm.INT:  ropgen.INT,
	x86asm.INC:  ropgen.INC,
	x86asm.DEC:  ropgen.DEC,
	x86asm.XCHG: ropgen.XCHG,
	x86asm.AND:  ropgen.AND,
	x86asm.OR:   ropgen.OR,
	x86asm.NEG:  ropgen.NEG,
}

// General purpose registers usable by gadgets. The stack pointer is excluded
// since the chain itself lives on the stack.
var registers = map[int]map[x86asm.Reg]bool{
	32: {
		x86asm.EAX: true, x86asm.ECX: true, x86asm.EDX: true, x86asm.EBX: true,
		x86asm.EBP: true, x86asm.ESI: true, x86asm.EDI: true,
	},
	64: {
		x86asm.RAX: true, x86asm.RCX: true, x86asm.RDX: true, x86asm.RBX: true,
		x86asm.RBP: true, x86asm.RSI: true, x86asm.RDI: true,
		x86asm.R8: true, x86asm.R9: true, x86asm.R10: true, x86asm.R11: true,
		x86asm.R12: true, x86asm.R13: true, x86asm.R14: true, x86asm.R15: true,
	},
}

// Prefix bytes that change the meaning of an instruction beyond the model:
// segment overrides, lock, rep and operand or address size overrides.
var rejectedPrefixes = map[byte]bool{
	0x26: true, 0x2E: true, 0x36: true, 0x3E: true, 0x64: true, 0x65: true,
	0xF0: true, 0xF2: true, 0xF3: true, 0x66: true, 0x67: true,
}

// Extract returns the gadgets found in code, which is loaded at vaddr and
// decoded in the given mode (32 or 64).
//
// For every ret byte, suffixes of increasing length ending at it are tried.
// The first that decodes as exactly one supported instruction followed by
// the ret is recorded at the address of its first byte.
func Extract(code []byte, vaddr uint64, bits int) *ropgen.Catalog {
	catalog := ropgen.NewCatalog()

	var tried int
	for i, b := range code {
		if b != RET {
			continue
		}
		tried++

		for n := 2; n <= MaxGadgetLen && n <= i+1; n++ {
			start := i + 1 - n
			action, err := DecodeGadget(code[start:i+1], bits)
			if err != nil {
				continue
			}
			catalog.Add(action, vaddr+uint64(start))
			break
		}
	}

	log.Printf("[extract] rets=%d gadgets=%d", tried, catalog.Len())
	return catalog
}

// DecodeGadget decodes b as a single instruction followed by a ret.
func DecodeGadget(b []byte, bits int) (*ropgen.Action, error) {
	if len(b) < 2 || b[len(b)-1] != RET {
		return nil, fmt.Errorf("%x: missing ret: %w", b, ErrUnsupportedInstruction)
	} else if rejectedPrefixes[b[0]] {
		return nil, fmt.Errorf("%x: prefix %#02x: %w", b, b[0], ErrUnsupportedInstruction)
	}

	inst, err := x86asm.Decode(b, bits)
	if err != nil {
		return nil, err
	} else if inst.Len != len(b)-1 {
		return nil, fmt.Errorf("%x: %s is not followed by ret: %w", b, inst, ErrUnsupportedInstruction)
	}
	return NewAction(inst, bits)
}

// NewAction converts a decoded instruction into an action.
func NewAction(inst x86asm.Inst, bits int) (*ropgen.Action, error) {
	op, ok := opcodes[inst.Op]
	if !ok {
		return nil, fmt.Errorf("%s: %w", inst.Op, ErrUnsupportedInstruction)
	}

	n := 0
	for n < len(inst.Args) && inst.Args[n] != nil {
		n++
	}
	if (op.IsUnary() && n != 1) || (!op.IsUnary() && n != 2) {
		return nil, fmt.Errorf("%s: %d operands: %w", inst, n, ErrUnsupportedInstruction)
	}

	dst, err := newOperand(inst.Args[0], bits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inst, err)
	}
	var src ropgen.Operand
	if n == 2 {
		if src, err = newOperand(inst.Args[1], bits); err != nil {
			return nil, fmt.Errorf("%s: %w", inst, err)
		}
	}
	return ropgen.NewAction(op, dst, src)
}

func newOperand(arg x86asm.Arg, bits int) (ropgen.Operand, error) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		return newRegister(arg, bits)
	case x86asm.Imm:
		return ropgen.NewValue(int64(arg)), nil
	case x86asm.Mem:
		return newMemory(arg, bits)
	default:
		return nil, fmt.Errorf("%s: %w", arg, ErrUnsupportedOperand)
	}
}

func newRegister(reg x86asm.Reg, bits int) (*ropgen.Location, error) {
	if !registers[bits][reg] {
		return nil, fmt.Errorf("register %s: %w", reg, ErrUnsupportedOperand)
	}
	return ropgen.NewRegister(strings.ToLower(reg.String())), nil
}

func newMemory(mem x86asm.Mem, bits int) (*ropgen.Location, error) {
	if mem.Segment != 0 {
		return nil, fmt.Errorf("segment %s: %w", mem.Segment, ErrUnsupportedOperand)
	}

	var base ropgen.Value
	if mem.Base != 0 {
		reg, err := newRegister(mem.Base, bits)
		if err != nil {
			return nil, err
		}
		base = ropgen.ValueAt(reg)
	}

	var index *ropgen.Value
	if mem.Index != 0 {
		reg, err := newRegister(mem.Index, bits)
		if err != nil {
			return nil, err
		}
		v := ropgen.ValueAt(reg)
		index = &v
	}
	return ropgen.NewMemory(base, index, int64(mem.Scale), mem.Disp), nil
}
