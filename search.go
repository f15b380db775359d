package ropgen

import (
	"container/heap"
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"
)

// Priority adjustments applied to successor states. Lower priorities are
// explored first.
const (
	nodePriority   = -100000 // per satisfied target action
	actionPriority = -1000   // gadget matched the target action
	statePriority  = -100    // gadget matched the expected machine state only
)

// Search finds a chain of gadgets reproducing the actions of a graph.
type Search struct {
	graph   *Graph
	catalog *Catalog

	// Maximum number of states popped before giving up. Zero means no limit.
	MaxIterations int

	// Wall-clock limit of a run. Zero means no limit.
	Timeout time.Duration

	// Source used to shuffle the gadget trial order.
	Rand *rand.Rand

	// LogInterval is the number of iterations between progress logs.
	LogInterval int

	iterations  atomic.Int64
	pushed      atomic.Int64
	rejected    atomic.Int64
	maxFrontier atomic.Int64
}

// NewSearch returns a search over a freshened graph using the gadgets of catalog.
func NewSearch(g *Graph, catalog *Catalog) *Search {
	return &Search{
		graph:       g,
		catalog:     catalog,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		LogInterval: 500,
	}
}

// SearchStats holds counters of a running search.
type SearchStats struct {
	Iterations  int64 // states popped
	Pushed      int64 // states added to the frontier
	Rejected    int64 // candidate transitions refused by a search state
	MaxFrontier int64 // largest frontier size seen
}

// Stats returns the current counters. Safe to call from another goroutine.
func (s *Search) Stats() SearchStats {
	return SearchStats{
		Iterations:  s.iterations.Load(),
		Pushed:      s.pushed.Load(),
		Rejected:    s.rejected.Load(),
		MaxFrontier: s.maxFrontier.Load(),
	}
}

// Run explores states in priority order until one satisfies every target
// action. Returns ErrNoSolution if the frontier is exhausted,
// ErrIterationLimit if MaxIterations is reached and the context error if ctx
// is done or Timeout elapses.
func (s *Search) Run(ctx context.Context) (*SearchState, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	q := &stateQueue{}
	s.push(q, NewSearchState(s.graph), 1)

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		} else if s.MaxIterations > 0 && s.iterations.Load() >= int64(s.MaxIterations) {
			return nil, ErrIterationLimit
		}

		n := s.iterations.Add(1)
		if s.LogInterval > 0 && n%int64(s.LogInterval) == 0 {
			log.Printf("[search] iteration=%d frontier=%d pushed=%d", n, q.Len(), s.pushed.Load())
		}

		state := heap.Pop(q).(*queueItem).state
		if state.IsGoal() {
			log.Printf("[search] goal: iteration=%d depth=%d", n, state.Depth())
			return state, nil
		}
		s.expand(q, state)
	}
	return nil, ErrNoSolution
}

// expand tries every gadget against every root of state.
func (s *Search) expand(q *stateQueue, state *SearchState) {
	g := state.Graph()
	maxGraph := s.graph.Len() + 1
	gadgets := s.catalog.Entries()

	for _, id := range g.Roots() {
		targetMem := g.Expected(id)
		var target *Action
		if action := g.Node(id).Action(); action != nil {
			target = action.Reassigned(state.Assignments())
		}

		if s.Rand != nil {
			s.Rand.Shuffle(len(gadgets), func(i, j int) { gadgets[i], gadgets[j] = gadgets[j], gadgets[i] })
		}

		for _, gadget := range gadgets {
			action := gadget.Action.Reassigned(state.Assignments())
			t := Transition{
				Action: gadget.Action,
				Addr:   gadget.Addresses[0],
				Mem:    action.Apply(state.Mem()),
				Root:   id,
			}

			// Prefer a gadget that is the target action under some renaming.
			if target != nil {
				if eq, ok := action.Equivalence(target); ok {
					t.Mem, t.Eq = t.Mem.Reassigned(eq.Inverse()), eq
					if !t.Mem.Equal(state.Mem()) || action.Op == INT {
						if _, ok := t.Mem.Equivalence(targetMem); ok {
							s.transition(q, state, t, actionPriority, maxGraph)
						}
					}
					continue
				}
				if target.Op == INT {
					continue
				}
			}

			// Otherwise accept any gadget producing the expected state.
			if eq, ok := t.Mem.Equivalence(targetMem); ok {
				t.Eq = eq
				s.transition(q, state, t, statePriority, maxGraph)
			}
		}
	}
}

// transition pushes the successor of state through t, if any.
func (s *Search) transition(q *stateQueue, state *SearchState, t Transition, bonus, maxGraph int) {
	next, err := state.Next(t)
	if err != nil {
		s.rejected.Add(1)
		return
	}
	priority := nodePriority*(maxGraph-next.Graph().Len()) + bonus + len(t.Eq)
	s.push(q, next, priority)
}

func (s *Search) push(q *stateQueue, state *SearchState, priority int) {
	heap.Push(q, &queueItem{state: state, priority: priority, seq: s.pushed.Add(1)})
	if n := int64(q.Len()); n > s.maxFrontier.Load() {
		s.maxFrontier.Store(n)
	}
}

type queueItem struct {
	state    *SearchState
	priority int
	seq      int64
}

// stateQueue is a min-heap of states ordered by priority then insertion order.
// Implements heap.Interface.
type stateQueue []*queueItem

func (q stateQueue) Len() int { return len(q) }

func (q stateQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q stateQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *stateQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }

func (q *stateQueue) Pop() interface{} {
	old := *q
	item := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return item
}
