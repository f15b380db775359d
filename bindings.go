package ropgen

import (
	"bytes"
	"fmt"
	"sort"
)

// Bindings maps register names to register names.
//
// As an equivalence it maps fresh registers to the concrete registers they
// stand for. As a substitution it renames every register found among its keys.
type Bindings map[string]string

// Clone returns a copy of b. A nil receiver returns an empty table.
func (b Bindings) Clone() Bindings {
	other := make(Bindings, len(b))
	for k, v := range b {
		other[k] = v
	}
	return other
}

// Conflicts returns true if other binds any key of b to a different register.
func (b Bindings) Conflicts(other Bindings) bool {
	if len(b) > len(other) {
		b, other = other, b
	}
	for k, v := range b {
		if w, ok := other[k]; ok && w != v {
			return true
		}
	}
	return false
}

// Merge returns the union of b and other. Returns false if they disagree on
// any key. Neither table is modified.
func (b Bindings) Merge(other Bindings) (Bindings, bool) {
	if b.Conflicts(other) {
		return nil, false
	}
	merged := b.Clone()
	for k, v := range other {
		merged[k] = v
	}
	return merged, true
}

// Inverse returns the table with keys and values swapped.
func (b Bindings) Inverse() Bindings {
	other := make(Bindings, len(b))
	for k, v := range b {
		other[v] = k
	}
	return other
}

// Keys returns the keys of b in sorted order.
func (b Bindings) Keys() []string {
	a := make([]string, 0, len(b))
	for k := range b {
		a = append(a, k)
	}
	sort.Strings(a)
	return a
}

// String returns the table in key order.
func (b Bindings) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, k := range b.Keys() {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %s", k, b[k])
	}
	buf.WriteString("}")
	return buf.String()
}
