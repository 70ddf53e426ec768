package jitterbuf

import "testing"

func TestStagingInOrderPlayback(t *testing.T) {
	s := newStaging()
	s.Push(0, []byte{0}, 4)
	s.Push(1, []byte{1}, 4)
	s.Push(2, []byte{2}, 4)

	for i, want := range [][]byte{{0}, {1}, {2}} {
		got, ok := s.Next()
		if !ok || got[0] != want[0] {
			t.Fatalf("frame %d: got %v,%v want %v,true", i, got, ok, want)
		}
	}
}

func TestStagingGapReportsNotOK(t *testing.T) {
	s := newStaging()
	s.Push(0, []byte{0}, 4)
	s.Push(2, []byte{2}, 4) // frame 1 never arrives

	if _, ok := s.Next(); !ok {
		t.Fatal("frame 0 should have played")
	}
	if _, ok := s.Next(); ok {
		t.Fatal("frame 1 is missing, Next() should report a gap")
	}
	got, ok := s.Next()
	if !ok || got[0] != 2 {
		t.Fatalf("frame 2: got %v,%v", got, ok)
	}
}

func TestStagingOutOfOrderWithinWindowReorders(t *testing.T) {
	s := newStaging()
	// Sequence 1 arrives after sequence 2 on the wire; staging must still
	// play them back in sequence order (0, 1, 2), not arrival order.
	s.Push(0, []byte{0}, 4)
	s.Push(2, []byte{2}, 4)
	s.Push(1, []byte{1}, 4)

	for i, want := range [][]byte{{0}, {1}, {2}} {
		got, ok := s.Next()
		if !ok || got[0] != want[0] {
			t.Fatalf("frame %d: got %v,%v want %v,true", i, got, ok, want)
		}
	}
}

func TestStagingDuplicateDiscarded(t *testing.T) {
	s := newStaging()
	s.Push(0, []byte{0}, 4)
	s.Push(0, []byte{0, 0}, 4) // duplicate timestamp

	if s.droppedDup != 1 {
		t.Fatalf("droppedDup = %d, want 1", s.droppedDup)
	}
}

func TestStagingTooFarBehindReorderWindowDropped(t *testing.T) {
	s := newStaging()
	s.Push(10, []byte{10}, 4)
	_, _ = s.Next() // advances nextPlay to 11

	s.Push(5, []byte{5}, 4) // distance 6 > reorder window 4
	if s.droppedOOO != 1 {
		t.Fatalf("droppedOOO = %d, want 1", s.droppedOOO)
	}
}

func TestStagingQueuedCountsContiguousAndGappedAhead(t *testing.T) {
	s := newStaging()
	s.Push(0, []byte{0}, 4)
	s.Push(2, []byte{2}, 4)
	if got := s.Queued(); got != 2 {
		t.Fatalf("Queued() = %d, want 2", got)
	}
}
