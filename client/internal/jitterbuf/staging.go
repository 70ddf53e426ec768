package jitterbuf

// stagingSize is the number of opus-frame slots held per sender, indexed
// by sequence modulo stagingSize.
const stagingSize = 512 // ~10s of audio at 50fps, generous vs. the max reorder window

const stagingMask = stagingSize - 1

type stagingSlot struct {
	opus []byte
	seq  uint32
	set  bool
}

// staging holds frames ordered by sender sequence number for one speaker,
// awaiting scheduled playout: ordered insertion, duplicate discard, and
// the reorder-window drop rule.
type staging struct {
	slots    [stagingSize]stagingSlot
	nextPlay uint32
	have     bool // whether nextPlay has been initialized from the first frame

	droppedOOO uint64
	droppedDup uint64
}

func newStaging() *staging {
	return &staging{}
}

// Push inserts an arriving opus frame keyed by its sender sequence number.
// reorderWindowFrames is the current reorder tolerance (in 20ms frames,
// derived from NetworkQuality.ReorderWindowMs()/20).
func (s *staging) Push(seq uint32, opus []byte, reorderWindowFrames int) {
	if !s.have {
		s.nextPlay = seq
		s.have = true
	}

	dist := int32(seq - s.nextPlay)

	if dist < 0 {
		if -dist > int32(reorderWindowFrames) {
			s.droppedOOO++
			return
		}
		// Within the reorder window but behind the play cursor: only
		// accept if the target slot hasn't already been consumed, i.e. it
		// still matches an empty/older slot (otherwise it's a pure
		// duplicate of already-played audio).
		idx := int(seq) & stagingMask
		if s.slots[idx].set && s.slots[idx].seq == seq {
			s.droppedDup++
			return
		}
		s.slots[idx] = stagingSlot{opus: opus, seq: seq, set: true}
		return
	}

	idx := int(seq) & stagingMask
	if s.slots[idx].set && s.slots[idx].seq == seq {
		s.droppedDup++ // exact duplicate timestamp
		return
	}
	s.slots[idx] = stagingSlot{opus: opus, seq: seq, set: true}
}

// Queued returns how many contiguous-or-not frames are currently staged
// ahead of the play cursor, used by the warm-up gate.
func (s *staging) Queued() int {
	n := 0
	for i := uint32(0); i < stagingSize; i++ {
		if s.slots[(int(s.nextPlay+i))&stagingMask].set {
			n++
		}
	}
	return n
}

// Next pops the frame scheduled for the current playout slot, or reports ok
// = false if it's missing (a gap for the caller to conceal).
func (s *staging) Next() (opus []byte, ok bool) {
	idx := int(s.nextPlay) & stagingMask
	slot := s.slots[idx]
	s.slots[idx] = stagingSlot{}
	s.nextPlay++
	if slot.set && slot.seq == s.nextPlay-1 {
		return slot.opus, true
	}
	return nil, false
}
