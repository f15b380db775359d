package ropgen

import (
	"bytes"
	"fmt"
	"log"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/tools/container/intsets"
)

// Node represents a target action in the dependency graph. Node IDs are the
// position of the instruction in the program and are stable across graph
// generations.
//
// A node whose action has been invalidated keeps only its destination.
type Node struct {
	id     int
	action *Action
	dst    Operand
	regs   []string

	before intsets.Sparse // nodes that must execute first
	after  intsets.Sparse // nodes that must execute later
}

func newNode(id int, action *Action) *Node {
	n := &Node{id: id}
	n.setAction(action)
	return n
}

func (n *Node) setAction(action *Action) {
	n.action, n.dst, n.regs = action, action.Dst, action.RegisterNames()
}

// clone returns a copy of n including its edges.
func (n *Node) clone() *Node {
	other := &Node{id: n.id, action: n.action, dst: n.dst, regs: n.regs}
	other.before.Copy(&n.before)
	other.after.Copy(&n.after)
	return other
}

// ID returns the node's position in the original program.
func (n *Node) ID() int { return n.id }

// Action returns the target action. Returns nil if the action was invalidated.
func (n *Node) Action() *Action { return n.action }

// Dst returns the destination of the node's action.
func (n *Node) Dst() Operand { return n.dst }

// Registers returns the names of the registers involved in the node.
func (n *Node) Registers() []string { return n.regs }

// Before returns the IDs of the nodes that must execute before n.
func (n *Node) Before() []int { return n.before.AppendTo(nil) }

// After returns the IDs of the nodes that must execute after n.
func (n *Node) After() []int { return n.after.AppendTo(nil) }

// String returns the node's action, or its destination when invalidated.
func (n *Node) String() string {
	if n.action == nil {
		return fmt.Sprintf("<invalidated dst=%s>", n.dst)
	}
	return n.action.String()
}

// Graph represents the dependency graph of a target program.
//
// Graphs are values. Removing a root returns a new generation that shares no
// mutable state with the receiver. Only Freshen modifies a graph in place and
// it must be called before the graph is used by a search.
type Graph struct {
	nodes []*Node // indexed by node ID; nil once removed
	n     int

	roots *immutable.SortedMap // node ID -> expected *MemState
	regs  *immutable.Map       // register name -> number of nodes involving it
}

// NewGraph returns the dependency graph of program. An edge links each
// instruction to every earlier one it depends on.
func NewGraph(program []*Instruction) *Graph {
	g := &Graph{
		nodes: make([]*Node, len(program)),
		n:     len(program),
	}
	for j, ins := range program {
		node := newNode(j, ins.Action)
		for i := 0; i < j; i++ {
			if ins.DependsOn(program[i]) {
				node.before.Insert(i)
				g.nodes[i].after.Insert(j)
			}
		}
		g.nodes[j] = node
	}

	g.recount()
	g.resetRoots()

	log.Printf("[graph] new: nodes=%d roots=%d", g.n, g.roots.Len())
	return g
}

// recount rebuilds the register reference counts from the live nodes.
func (g *Graph) recount() {
	g.regs = immutable.NewMap(&stringHasher{})
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, name := range node.regs {
			g.regs = g.regs.Set(name, g.count(name)+1)
		}
	}
}

// resetRoots sets each root's expected outcome to its standalone effect.
func (g *Graph) resetRoots() {
	g.roots = immutable.NewSortedMap(&intComparer{})
	for _, node := range g.nodes {
		if node != nil && node.before.IsEmpty() {
			g.roots = g.roots.Set(node.id, node.action.Apply(NewMemState()))
		}
	}
}

// Len returns the number of nodes remaining in the graph.
func (g *Graph) Len() int { return g.n }

// IsEmpty returns true if no nodes remain.
func (g *Graph) IsEmpty() bool { return g.n == 0 }

// Node returns the node with the given ID. Returns nil if it has been removed.
func (g *Graph) Node(id int) *Node {
	if id < 0 || id >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns the remaining nodes in program order.
func (g *Graph) Nodes() []*Node {
	a := make([]*Node, 0, g.n)
	for _, node := range g.nodes {
		if node != nil {
			a = append(a, node)
		}
	}
	return a
}

// Roots returns the IDs of the nodes with no unresolved prerequisite.
func (g *Graph) Roots() []int {
	a := make([]int, 0, g.roots.Len())
	itr := g.roots.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		a = append(a, k.(int))
	}
	return a
}

// IsRoot returns true if id is currently a root.
func (g *Graph) IsRoot(id int) bool {
	_, ok := g.roots.Get(id)
	return ok
}

// Expected returns the expected outcome of a root. Returns nil if id is not a root.
func (g *Graph) Expected(id int) *MemState {
	if v, ok := g.roots.Get(id); ok {
		return v.(*MemState)
	}
	return nil
}

// Involves returns true if any remaining node involves the named register.
func (g *Graph) Involves(name string) bool {
	_, ok := g.regs.Get(name)
	return ok
}

// RegisterCounts returns the number of remaining nodes involving each register.
func (g *Graph) RegisterCounts() map[string]int {
	m := make(map[string]int, g.regs.Len())
	itr := g.regs.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		m[k.(string)] = v.(int)
	}
	return m
}

func (g *Graph) count(name string) int {
	if v, ok := g.regs.Get(name); ok {
		return v.(int)
	}
	return 0
}

// WithoutRoot returns a new graph with the root id removed.
//
// Nodes exposed as roots by the removal take the removed root's expected
// outcome as their baseline. Every remaining root then has its expected
// outcome recomputed by applying its action onto that baseline.
func (g *Graph) WithoutRoot(id int) *Graph {
	removed := g.Node(id)
	assert(removed != nil, "without root: node %d not in graph", id)
	assert(g.IsRoot(id), "without root: node %d is not a root", id)
	baseline := g.Expected(id)

	other := &Graph{
		nodes: make([]*Node, len(g.nodes)),
		n:     g.n - 1,
		roots: g.roots.Delete(id),
		regs:  g.regs,
	}
	for _, node := range g.nodes {
		if node == nil || node.id == id {
			continue
		}
		clone := node.clone()
		clone.before.Remove(id)
		clone.after.Remove(id)
		other.nodes[node.id] = clone
	}

	for _, name := range removed.regs {
		if n := other.count(name) - 1; n > 0 {
			other.regs = other.regs.Set(name, n)
		} else {
			other.regs = other.regs.Delete(name)
		}
	}

	for _, next := range removed.After() {
		if other.nodes[next].before.IsEmpty() {
			other.roots = other.roots.Set(next, baseline)
		}
	}
	for _, r := range other.Roots() {
		if action := other.nodes[r].action; action != nil {
			other.roots = other.roots.Set(r, action.Apply(baseline))
		}
	}
	return other
}

// WithInvalidatedRoots returns a copy of g where every root has lost its
// action. Expected outcomes are kept so roots may still be matched by state.
func (g *Graph) WithInvalidatedRoots() *Graph {
	other := &Graph{
		nodes: make([]*Node, len(g.nodes)),
		n:     g.n,
		roots: g.roots,
		regs:  g.regs,
	}
	copy(other.nodes, g.nodes)
	for _, r := range g.Roots() {
		clone := g.nodes[r].clone()
		clone.action = nil
		other.nodes[r] = clone
	}
	return other
}

// Freshen renames every overwritten register of the program to a fresh
// register from alloc, in program order, and returns the evidence binding
// each fresh register to the register it replaced.
//
// At an interrupt all renamings in flight are undone on the preceding nodes
// so that no fresh register crosses the interrupt. The graph is modified in
// place and must not have had any root removed.
func (g *Graph) Freshen(alloc *RegisterAllocator) Bindings {
	assert(g.n == len(g.nodes), "freshen: graph already reduced")

	// segment holds the fresh registers introduced since the last interrupt.
	renaming, segment, evidence := Bindings{}, Bindings{}, Bindings{}
	for _, node := range g.nodes {
		if node.action.Op == INT {
			for _, id := range node.Before() {
				prev := g.nodes[id]
				prev.setAction(prev.action.Reassigned(segment))
			}
			renaming, segment = Bindings{}, Bindings{}
		}
		node.setAction(node.action.Freshened(alloc, renaming, segment))
		for fresh, concrete := range segment {
			evidence[fresh] = concrete
		}
	}

	g.recount()
	g.resetRoots()

	log.Printf("[graph] freshen: fresh=%d", len(evidence))
	return evidence
}

// String returns one line per remaining node. Roots are prefixed with "r".
func (g *Graph) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Graph (%d nodes):\n", g.n)
	for _, node := range g.Nodes() {
		prefix := " "
		if g.IsRoot(node.id) {
			prefix = "r"
		}
		fmt.Fprintf(&buf, "%s %d: %s", prefix, node.id, node)
		if before := node.Before(); len(before) > 0 {
			fmt.Fprintf(&buf, " <- %v", before)
		}
		buf.WriteString("\n")
	}

	counts := g.RegisterCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	buf.WriteString("Registers:")
	for _, name := range names {
		fmt.Fprintf(&buf, " %s=%d", name, counts[name])
	}
	return buf.String()
}

// intComparer compares two ints. Implements immutable.Comparer.
type intComparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not an int.
func (c *intComparer) Compare(a, b interface{}) int {
	if i, j := a.(int), b.(int); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}

// stringHasher hashes strings with xxhash. Implements immutable.Hasher.
type stringHasher struct{}

// Hash returns the low 32 bits of the xxhash of key.
func (h *stringHasher) Hash(key interface{}) uint32 {
	return uint32(xxhash.Sum64String(key.(string)))
}

// Equal returns true if a and b are the same string.
func (h *stringHasher) Equal(a, b interface{}) bool {
	return a.(string) == b.(string)
}
