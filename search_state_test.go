package ropgen_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/benbjohnson/ropgen"
	"github.com/google/go-cmp/cmp"
)

func TestSearchState_Next(t *testing.T) {
	t.Run("Goal", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\n"))
		if root.IsGoal() {
			t.Fatal("unexpected goal")
		} else if _, ok := root.Address(); ok {
			t.Fatal("unexpected address on initial state")
		}

		next, err := root.Next(ropgen.Transition{
			Action: MustParseAction(t, "mov ebx, 1"),
			Addr:   0x1000,
			Mem:    NewState(map[string]ropgen.Value{"?0": Imm(1)}),
			Root:   0,
			Eq:     ropgen.Bindings{"?0": "ebx"},
		})
		if err != nil {
			t.Fatal(err)
		} else if !next.IsGoal() {
			t.Fatal("expected goal")
		} else if next.Parent() != root {
			t.Fatal("unexpected parent")
		} else if got, exp := next.Depth(), 1; got != exp {
			t.Fatalf("Depth()=%d, expected %d", got, exp)
		} else if addr, ok := next.Address(); !ok || addr != 0x1000 {
			t.Fatalf("Address()=%#x, %v", addr, ok)
		} else if diff := cmp.Diff(ropgen.Bindings{"?0": "ebx"}, next.Equivalence()); diff != "" {
			t.Fatal(diff)
		} else if got := len(next.Assignments()); got != 0 {
			t.Fatalf("unexpected assignments: %s", next.Assignments())
		} else if got := len(root.Equivalence()); got != 0 {
			t.Fatalf("parent modified: %s", root.Equivalence())
		}
	})

	t.Run("Assignments", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nadd eax, 2\n"))
		next, err := root.Next(ropgen.Transition{
			Action: MustParseAction(t, "mov ebx, 1"),
			Mem:    NewState(map[string]ropgen.Value{"?0": Imm(1)}),
			Root:   0,
			Eq:     ropgen.Bindings{"?0": "ebx"},
		})
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(ropgen.Bindings{"ebx": "?0"}, next.Assignments()); diff != "" {
			t.Fatal(diff)
		} else if diff := cmp.Diff([]int{1}, next.Graph().Roots()); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrBindingConflict", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nmov ebx, 2\n"))
		next, err := root.Next(ropgen.Transition{
			Action: MustParseAction(t, "mov ecx, 1"),
			Mem:    NewState(map[string]ropgen.Value{"?0": Imm(1)}),
			Root:   0,
			Eq:     ropgen.Bindings{"?0": "ecx"},
		})
		if err != nil {
			t.Fatal(err)
		}

		_, err = next.Next(ropgen.Transition{
			Action: MustParseAction(t, "mov edx, 2"),
			Mem:    NewState(map[string]ropgen.Value{"?0": Imm(1), "?1": Imm(2)}),
			Root:   1,
			Eq:     ropgen.Bindings{"?0": "edx"},
		})
		if !errors.Is(err, ropgen.ErrBindingConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrNotRoot", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nadd eax, 2\n"))
		for _, id := range []int{1, 5} {
			_, err := root.Next(ropgen.Transition{
				Action: MustParseAction(t, "mov ebx, 1"),
				Mem:    ropgen.NewMemState(),
				Root:   id,
			})
			if !errors.Is(err, ropgen.ErrNotRoot) {
				t.Fatalf("%d: unexpected error: %v", id, err)
			}
		}
	})

	t.Run("MatchRoot", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nadd eax, 2\n"))
		next, err := root.Next(ropgen.Transition{
			Action: MustParseAction(t, "mov ebx, 1"),
			Mem:    NewState(map[string]ropgen.Value{"ebx": Imm(1)}),
			Root:   ropgen.NoRoot,
			Eq:     ropgen.Bindings{"?0": "ebx"},
		})
		if err != nil {
			t.Fatal(err)
		} else if got, exp := next.Graph().Len(), 1; got != exp {
			t.Fatalf("Len()=%d, expected %d", got, exp)
		} else if next.Graph().Node(1).Action() == nil {
			t.Fatal("unexpected invalidated action")
		}
	})

	t.Run("NoMatchingRoot", func(t *testing.T) {
		root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nadd eax, 2\n"))
		t0 := ropgen.Transition{
			Action: MustParseAction(t, "mov ecx, 5"),
			Mem:    NewState(map[string]ropgen.Value{"ecx": Imm(5)}),
			Root:   ropgen.NoRoot,
		}

		next, err := root.Next(t0)
		if err != nil {
			t.Fatal(err)
		} else if got, exp := next.Graph().Len(), 2; got != exp {
			t.Fatalf("Len()=%d, expected %d", got, exp)
		} else if next.Graph().Node(0).Action() != nil {
			t.Fatal("expected invalidated root")
		} else if root.Graph().Node(0).Action() == nil {
			t.Fatal("parent graph modified")
		}

		t0.StrictRootMatch = true
		if _, err := root.Next(t0); !errors.Is(err, ropgen.ErrNotRoot) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestSearchState_Path(t *testing.T) {
	root := ropgen.NewSearchState(MustFreshGraph(t, "mov eax, 1\nadd eax, 2\n"))
	s1, err := root.Next(ropgen.Transition{
		Action: MustParseAction(t, "mov ebx, 1"),
		Addr:   0x1000,
		Mem:    NewState(map[string]ropgen.Value{"?0": Imm(1)}),
		Root:   0,
		Eq:     ropgen.Bindings{"?0": "ebx"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := s1.Next(ropgen.Transition{
		Action: MustParseAction(t, "add ebx, 2"),
		Addr:   0x2000,
		Mem:    NewState(map[string]ropgen.Value{"?0": Imm(3)}),
		Root:   1,
	})
	if err != nil {
		t.Fatal(err)
	}

	path := s2.Path()
	if got, exp := len(path), 3; got != exp {
		t.Fatalf("len(Path())=%d, expected %d", got, exp)
	} else if path[0] != root || path[1] != s1 || path[2] != s2 {
		t.Fatal("unexpected path order")
	} else if diff := cmp.Diff([]uint64{0x1000, 0x2000}, ropgen.Chain(s2)); diff != "" {
		t.Fatal(diff)
	}

	dump := s2.Dump()
	for _, exp := range []string{"depth=2 remaining=0", "1000 mov ebx, 0x1", "2000 add ebx, 0x2"} {
		if !strings.Contains(dump, exp) {
			t.Fatalf("expected %q in:\n%s", exp, dump)
		}
	}
}
