package ropgen

// Instruction is an action of the target program along with the locations it
// reads and writes. Barriers must not be reordered with any other instruction.
type Instruction struct {
	Action  *Action
	Reads   []*Location
	Writes  []*Location
	Barrier bool
}

// NewInstruction returns an instruction with read and write sets derived from a.
func NewInstruction(a *Action) *Instruction {
	ins := &Instruction{Action: a}
	if a.Op == INT {
		ins.Barrier = true
		return ins
	}

	dst := a.dst()
	ins.Writes = append(ins.Writes, dst)
	ins.Reads = append(ins.Reads, dst.addressRegisters()...)
	if !a.DoesOverwriteDst() {
		ins.Reads = append(ins.Reads, dst)
	}

	if src, ok := a.Src.(*Location); ok {
		switch {
		case a.Op == LEA:
			ins.Reads = append(ins.Reads, src.addressRegisters()...)
		case a.isSelfXor():
		default:
			ins.Reads = append(ins.Reads, src.addressRegisters()...)
			ins.Reads = append(ins.Reads, src)
		}
		if a.Op == XCHG {
			ins.Writes = append(ins.Writes, src)
		}
	}

	ins.Reads = uniqueLocations(ins.Reads)
	ins.Writes = uniqueLocations(ins.Writes)
	return ins
}

// DependsOn returns true if ins must execute after prev.
func (ins *Instruction) DependsOn(prev *Instruction) bool {
	if ins.Barrier || prev.Barrier {
		return true
	}
	return intersects(ins.Reads, prev.Writes) ||
		intersects(ins.Writes, prev.Reads) ||
		intersects(ins.Writes, prev.Writes)
}

// String returns the instruction in assembly syntax.
func (ins *Instruction) String() string {
	return ins.Action.String()
}

func intersects(a, b []*Location) bool {
	for _, x := range a {
		for _, y := range b {
			if mayAlias(x, y) {
				return true
			}
		}
	}
	return false
}

// mayAlias returns true if x and y could refer to the same place. Registers
// alias by name. Memory locations alias unless both addresses are known
// statically and differ.
func mayAlias(x, y *Location) bool {
	if x.IsRegister() || y.IsRegister() {
		return x.IsRegister() && y.IsRegister() && x.Reg == y.Reg
	}

	a, err := x.EffectiveAddress()
	if err != nil {
		return true
	}
	b, err := y.EffectiveAddress()
	if err != nil {
		return true
	}
	if a.IsKnown() && b.IsKnown() {
		return a.Offset == b.Offset
	}
	return true
}
