package ropgen_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/ropgen"
	"github.com/google/go-cmp/cmp"
)

func TestNewMemory(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		loc := ropgen.NewMemory(Imm(0x1000), nil, 1, 8)
		if got, exp := loc.Kind(), ropgen.LocationIndirect; got != exp {
			t.Fatalf("Kind()=%s, expected %s", got, exp)
		} else if got, exp := loc.String(), "[0x1008]"; got != exp {
			t.Fatalf("String()=%q, expected %q", got, exp)
		}
	})

	t.Run("FoldOffset", func(t *testing.T) {
		loc := ropgen.NewMemory(At("ebx").Plus(Imm(4)), nil, 1, 4)
		if got, exp := loc.Disp, int64(8); got != exp {
			t.Fatalf("Disp=%d, expected %d", got, exp)
		} else if got, exp := loc.String(), "[ebx + 0x8]"; got != exp {
			t.Fatalf("String()=%q, expected %q", got, exp)
		}
	})

	t.Run("Index", func(t *testing.T) {
		index := At("ecx")
		loc := ropgen.NewMemory(At("ebx"), &index, 4, -8)
		if got, exp := loc.String(), "[ebx + ecx*4 - 0x8]"; got != exp {
			t.Fatalf("String()=%q, expected %q", got, exp)
		}
	})

	t.Run("IndexOnly", func(t *testing.T) {
		index := At("ecx")
		loc := ropgen.NewMemory(ropgen.Value{}, &index, 2, 0)
		if got, exp := loc.Kind(), ropgen.LocationMemory; got != exp {
			t.Fatalf("Kind()=%s, expected %s", got, exp)
		} else if got, exp := loc.String(), "[ecx*2]"; got != exp {
			t.Fatalf("String()=%q, expected %q", got, exp)
		}
	})
}

func TestLocation_Equivalence(t *testing.T) {
	memIndex := func(base, index string, scale int64) *ropgen.Location {
		v := At(index)
		return ropgen.NewMemory(At(base), &v, scale, 0)
	}

	for _, tt := range []struct {
		name string
		a, b *ropgen.Location
		exp  ropgen.Bindings
		ok   bool
	}{
		{"Same", Reg("eax"), Reg("eax"), ropgen.Bindings{}, true},
		{"FreshConcrete", Reg("?0"), Reg("eax"), ropgen.Bindings{"?0": "eax"}, true},
		{"ConcreteFresh", Reg("eax"), Reg("?0"), ropgen.Bindings{"?0": "eax"}, true},
		{"BothConcrete", Reg("eax"), Reg("ebx"), nil, false},
		{"BothFresh", Reg("?0"), Reg("?1"), nil, false},
		{"KindMismatch", Reg("?0"), ropgen.NewIndirect(At("eax")), nil, false},
		{"Indirect", ropgen.NewIndirect(At("?0")), ropgen.NewIndirect(At("eax")), ropgen.Bindings{"?0": "eax"}, true},
		{"DispMismatch", Mem("?0", 4), Mem("eax", 8), nil, false},
		{"ScaleMismatch", memIndex("?0", "?1", 4), memIndex("eax", "ebx", 2), nil, false},
		{"IndexMismatch", memIndex("?0", "?1", 4), Mem("eax", 0), nil, false},
		{"BaseIndex", memIndex("?0", "?1", 4), memIndex("eax", "ebx", 4), ropgen.Bindings{"?0": "eax", "?1": "ebx"}, true},
		{"Conflict", memIndex("?0", "?0", 4), memIndex("eax", "ebx", 4), nil, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			eq, ok := tt.a.Equivalence(tt.b)
			if ok != tt.ok {
				t.Fatalf("ok=%v, expected %v (%s)", ok, tt.ok, eq)
			} else if diff := cmp.Diff(tt.exp, eq); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestLocation_EffectiveAddress(t *testing.T) {
	t.Run("Register", func(t *testing.T) {
		if _, err := Reg("eax").EffectiveAddress(); !errors.Is(err, ropgen.ErrUnsupportedAddressForm) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Indirect", func(t *testing.T) {
		ea, err := ropgen.NewIndirect(Imm(0x1000)).EffectiveAddress()
		if err != nil {
			t.Fatal(err)
		} else if !ea.Equal(Imm(0x1000)) {
			t.Fatalf("unexpected address: %s", ea)
		}
	})

	t.Run("Memory", func(t *testing.T) {
		index := At("ecx")
		ea, err := ropgen.NewMemory(At("ebx"), &index, 4, 8).EffectiveAddress()
		if err != nil {
			t.Fatal(err)
		} else if exp := At("ebx").Plus(At("ecx").Scale(4)).Plus(Imm(8)); !ea.Equal(exp) {
			t.Fatalf("EffectiveAddress()=%s, expected %s", ea, exp)
		}
	})
}

func TestLocation_Reassigned(t *testing.T) {
	b := ropgen.Bindings{"eax": "?0"}
	if got, exp := Reg("eax").Reassigned(b).String(), "?0"; got != exp {
		t.Fatalf("String()=%q, expected %q", got, exp)
	}
	if got, exp := Reg("ebx").Reassigned(b).String(), "ebx"; got != exp {
		t.Fatalf("String()=%q, expected %q", got, exp)
	}
	if got, exp := Mem("eax", -4).Reassigned(b).String(), "[?0 - 0x4]"; got != exp {
		t.Fatalf("String()=%q, expected %q", got, exp)
	}
}

func TestLocation_Registers(t *testing.T) {
	index := At("ecx")
	for _, tt := range []struct {
		loc *ropgen.Location
		exp []string
	}{
		{Reg("eax"), []string{"eax"}},
		{ropgen.NewMemory(At("ebx"), &index, 4, 0), []string{"ebx", "ecx"}},
		{ropgen.NewIndirect(Imm(0x1000)), []string{}},
	} {
		if diff := cmp.Diff(tt.exp, LocationStrings(tt.loc.Registers())); diff != "" {
			t.Errorf("%s: %s", tt.loc, diff)
		}
	}
}

func TestCompareLocation(t *testing.T) {
	if got := ropgen.CompareLocation(Reg("eax"), ropgen.NewIndirect(Imm(0))); got != -1 {
		t.Fatalf("register vs indirect=%d", got)
	} else if got := ropgen.CompareLocation(ropgen.NewIndirect(Imm(0)), Mem("eax", 0)); got != -1 {
		t.Fatalf("indirect vs memory=%d", got)
	} else if got := ropgen.CompareLocation(Mem("eax", 4), Mem("eax", 4)); got != 0 {
		t.Fatalf("memory vs memory=%d", got)
	}
}

func TestRegisterAllocator(t *testing.T) {
	var alloc ropgen.RegisterAllocator
	a, b := alloc.Next(), alloc.Next()
	if got, exp := a.String(), "?0"; got != exp {
		t.Fatalf("Next()=%q, expected %q", got, exp)
	} else if got, exp := b.String(), "?1"; got != exp {
		t.Fatalf("Next()=%q, expected %q", got, exp)
	} else if !a.IsFresh() || Reg("eax").IsFresh() {
		t.Fatal("unexpected IsFresh()")
	} else if got, exp := alloc.Len(), 2; got != exp {
		t.Fatalf("Len()=%d, expected %d", got, exp)
	}
}
