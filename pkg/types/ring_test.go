package types

import "testing"

func TestRing_EmptyHasNoObservations(t *testing.T) {
	r := NewRing(3)
	if _, ok := r.Oldest(); ok {
		t.Fatal("Oldest on empty ring should report false")
	}
	if _, ok := r.Latest(); ok {
		t.Fatal("Latest on empty ring should report false")
	}
	if _, ok := r.Min(); ok {
		t.Fatal("Min on empty ring should report false")
	}
	if r.Mean() != 0 {
		t.Fatalf("Mean on empty ring = %v, want 0", r.Mean())
	}
}

func TestRing_OverwritesOldestOnceFull(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4) // evicts 1

	if got, _ := r.Oldest(); got != 2 {
		t.Fatalf("Oldest() = %d, want 2", got)
	}
	if got, _ := r.Latest(); got != 4 {
		t.Fatalf("Latest() = %d, want 4", got)
	}
	if got, _ := r.Min(); got != 2 {
		t.Fatalf("Min() = %d, want 2", got)
	}
	if got, want := r.Mean(), float64(2+3+4)/3; got != want {
		t.Fatalf("Mean() = %v, want %v", got, want)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestRing_SizeLessThanOneTreatedAsOne(t *testing.T) {
	r := NewRing(0)
	r.Push(5)
	r.Push(9)
	if got, _ := r.Latest(); got != 9 {
		t.Fatalf("Latest() = %d, want 9", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
