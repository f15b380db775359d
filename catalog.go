package ropgen

import (
	"bytes"
	"fmt"
)

// Gadget is an action found at one or more addresses of a binary.
type Gadget struct {
	Action    *Action
	Addresses []uint64
}

// Catalog represents the gadgets available to a search. Gadgets are kept in
// insertion order and keyed by the string form of their action.
type Catalog struct {
	gadgets []*Gadget
	index   map[string]int
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]int)}
}

// Add records that action is available at addr.
func (c *Catalog) Add(action *Action, addr uint64) {
	key := action.String()
	if i, ok := c.index[key]; ok {
		g := c.gadgets[i]
		for _, other := range g.Addresses {
			if other == addr {
				return
			}
		}
		g.Addresses = append(g.Addresses, addr)
		return
	}

	c.index[key] = len(c.gadgets)
	c.gadgets = append(c.gadgets, &Gadget{Action: action, Addresses: []uint64{addr}})
}

// Len returns the number of distinct gadget actions.
func (c *Catalog) Len() int { return len(c.gadgets) }

// Entries returns the gadgets in insertion order. The gadgets must not be modified.
func (c *Catalog) Entries() []*Gadget {
	a := make([]*Gadget, len(c.gadgets))
	copy(a, c.gadgets)
	return a
}

// Lookup returns the gadget for action, if any.
func (c *Catalog) Lookup(action *Action) *Gadget {
	if i, ok := c.index[action.String()]; ok {
		return c.gadgets[i]
	}
	return nil
}

// Filter returns a catalog without the addresses whose encoding contains any
// byte of avoid. Gadgets left without an address are dropped.
func (c *Catalog) Filter(avoid []byte) *Catalog {
	other := NewCatalog()
	for _, g := range c.gadgets {
		for _, addr := range g.Addresses {
			if !containsAnyByte(EncodeAddress(addr), avoid) {
				other.Add(g.Action, addr)
			}
		}
	}
	return other
}

func containsAnyByte(b, set []byte) bool {
	for _, c := range set {
		if bytes.IndexByte(b, c) != -1 {
			return true
		}
	}
	return false
}

// String returns the gadgets grouped by opcode.
func (c *Catalog) String() string {
	var buf bytes.Buffer
	for op := MOV; op <= NEG; op++ {
		var lines []string
		for _, g := range c.gadgets {
			if g.Action.Op == op {
				lines = append(lines, g.String())
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%s:\n", op)
		for _, line := range lines {
			fmt.Fprintf(&buf, "\t%s\n", line)
		}
	}
	return buf.String()
}

// String returns the action followed by its addresses.
func (g *Gadget) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s : [", g.Action)
	for i, addr := range g.Addresses {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%#x", addr)
	}
	buf.WriteString("]")
	return buf.String()
}

// EncodeAddress returns the minimal big-endian encoding of addr. Zero encodes
// as a single zero byte.
func EncodeAddress(addr uint64) []byte {
	var b []byte
	for ; addr != 0; addr >>= 8 {
		b = append([]byte{byte(addr)}, b...)
	}
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

// Chain returns the gadget addresses leading to goal in execution order.
func Chain(goal *SearchState) []uint64 {
	var addrs []uint64
	for state := goal; state != nil; state = state.Parent() {
		if addr, ok := state.Address(); ok {
			addrs = append(addrs, addr)
		}
	}
	for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	return addrs
}

// PaddingByte fills the space between the buffer and the return address.
const PaddingByte = 'A'

// Payload returns padding bytes followed by the encoding of each address.
func Payload(addrs []uint64, padding int) []byte {
	buf := bytes.Repeat([]byte{PaddingByte}, padding)
	for _, addr := range addrs {
		buf = append(buf, EncodeAddress(addr)...)
	}
	return buf
}
