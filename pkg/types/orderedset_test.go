package types

import (
	"reflect"
	"testing"
)

func TestOrderedSet_KeysPreservesInsertionOrder(t *testing.T) {
	s := NewOrderedSet()
	s.Add("c")
	s.Add("a")
	s.Add("b")
	s.Add("a") // re-adding an existing key must not move it

	got := s.Keys()
	want := []string{"c", "a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
}

func TestOrderedSet_RemoveDropsFromIterationAndIndex(t *testing.T) {
	s := NewOrderedSet()
	s.Add("a")
	s.Add("b")
	s.Remove("a")

	if s.Has("a") {
		t.Fatal("Has(a) should be false after Remove")
	}
	if !reflect.DeepEqual(s.Keys(), []string{"b"}) {
		t.Fatalf("Keys() = %v, want [b]", s.Keys())
	}
	s.Remove("ghost") // no-op, must not panic
}

func TestOrderedSet_KeysReturnsIndependentSlice(t *testing.T) {
	s := NewOrderedSet()
	s.Add("a")
	keys := s.Keys()
	keys[0] = "mutated"
	if s.Keys()[0] != "a" {
		t.Fatal("mutating a returned Keys() slice must not affect the set")
	}
}
