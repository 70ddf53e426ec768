package jitterbuf

import "testing"

func TestPCMRingPullEmptyCountsUnderrun(t *testing.T) {
	r := newPCMRing(480, 240)
	if _, ok := r.Pull(); ok {
		t.Fatal("expected empty ring to report not-ok")
	}
	underruns, overflows := r.DrainStressCounters()
	if underruns != 1 || overflows != 0 {
		t.Fatalf("underruns=%d overflows=%d, want 1,0", underruns, overflows)
	}
}

func TestPCMRingWriteReadRoundTrip(t *testing.T) {
	r := newPCMRing(480, 240)
	r.Write([]int16{1, 2, 3})
	for _, want := range []int16{1, 2, 3} {
		got, ok := r.Pull()
		if !ok || got != want {
			t.Fatalf("Pull() = %d,%v want %d,true", got, ok, want)
		}
	}
}

func TestPCMRingOverflowDropsOldest(t *testing.T) {
	r := newPCMRing(480, 4)
	r.Write([]int16{1, 2, 3, 4, 5})
	_, overflows := r.DrainStressCounters()
	if overflows != 1 {
		t.Fatalf("overflows = %d, want 1", overflows)
	}
	var got []int16
	for i := 0; i < 4; i++ {
		v, ok := r.Pull()
		if !ok {
			t.Fatalf("expected 4 samples queued")
		}
		got = append(got, v)
	}
	want := []int16{2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v (oldest sample 1 should have been dropped)", got, want)
		}
	}
}

func TestPCMRingOccupancy(t *testing.T) {
	r := newPCMRing(480, 4)
	if occ := r.Occupancy(); occ != 0 {
		t.Fatalf("empty ring occupancy = %v, want 0", occ)
	}
	r.Write([]int16{1, 2})
	if occ := r.Occupancy(); occ != 0.5 {
		t.Fatalf("occupancy = %v, want 0.5", occ)
	}
}

func TestPCMRingResizeShrinkDropsOldest(t *testing.T) {
	r := newPCMRing(480, 10)
	r.Write([]int16{1, 2, 3, 4, 5})
	r.Resize(2)
	var got []int16
	for i := 0; i < 2; i++ {
		v, ok := r.Pull()
		if !ok {
			t.Fatalf("expected 2 samples after shrink")
		}
		got = append(got, v)
	}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("got %v, want [4 5] (shrink keeps newest)", got)
	}
	if _, ok := r.Pull(); ok {
		t.Fatal("expected ring empty after draining shrunk capacity")
	}
}

func TestPCMRingResizeGrowRaisesCeiling(t *testing.T) {
	r := newPCMRing(10, 2)
	r.Write([]int16{1, 2})
	r.Resize(5)
	r.Write([]int16{3, 4, 5})
	_, overflows := r.DrainStressCounters()
	if overflows != 0 {
		t.Fatalf("overflows = %d, want 0 after growing capacity before writing", overflows)
	}
}

func TestPCMRingResizeCappedToBackingArray(t *testing.T) {
	r := newPCMRing(10, 2)
	r.Resize(100)
	if r.activeCap != 10 {
		t.Fatalf("activeCap = %d, want capped to backing array size 10", r.activeCap)
	}
}
