package util

import "testing"

func TestRingBufferWrap(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	if rb.Len() != 3 {
		t.Fatalf("len = %d", rb.Len())
	}
	got := rb.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v", got)
		}
	}
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer[int](5)
	for i := 1; i <= 4; i++ {
		rb.Push(i)
	}

	got := rb.Last(2)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("Last(2) = %v", got)
	}

	// Asking for more than stored returns everything, oldest first.
	got = rb.Last(10)
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("Last(10) = %v", got)
	}
}
