package util

import "testing"

func TestRingBufferKeepsNewestWhenFull(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot = %v, want %v", got, want)
		}
	}
}

func TestRingBufferPartialFill(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")
	got := r.Snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Snapshot = %v, want [a b]", got)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("base", "rel/file"); got != "base/rel/file" {
		t.Errorf("relative: %q", got)
	}
	if got := ResolvePath("base", "/abs/file"); got != "/abs/file" {
		t.Errorf("absolute must override base: %q", got)
	}
}
