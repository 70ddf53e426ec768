package jitterbuf

// pcmRing is a fixed-capacity circular buffer of decoded mono PCM samples.
// Writes happen from the decode step (every 20ms); reads happen from the
// OS audio callback via PullSample, which must never block. The
// backing array is sized to the tunables' maximum capacity so Resize never
// reallocates on the hot path.
type pcmRing struct {
	buf       []int16
	readPos   int
	writePos  int
	len       int // samples currently queued
	activeCap int // logical capacity in samples; <= len(buf)

	underruns uint64
	overflows uint64
}

func newPCMRing(maxSamples, initialCapSamples int) *pcmRing {
	if initialCapSamples > maxSamples {
		initialCapSamples = maxSamples
	}
	return &pcmRing{
		buf:       make([]int16, maxSamples),
		activeCap: initialCapSamples,
	}
}

// Write appends samples, dropping the oldest queued samples on overflow
// (never the newest, per the project-wide freshness-over-completeness
// policy applied to buffers) and counting an overflow event.
func (r *pcmRing) Write(samples []int16) {
	for _, s := range samples {
		if r.len >= r.activeCap {
			// Overflow: advance readPos to drop the oldest sample.
			r.readPos = (r.readPos + 1) % len(r.buf)
			r.len--
			r.overflows++
		}
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.buf)
		r.len++
	}
}

// Pull returns the next queued sample, or (0, false) plus an underrun count
// if the ring is empty. Never blocks.
func (r *pcmRing) Pull() (int16, bool) {
	if r.len == 0 {
		r.underruns++
		return 0, false
	}
	s := r.buf[r.readPos]
	r.readPos = (r.readPos + 1) % len(r.buf)
	r.len--
	return s, true
}

// Occupancy returns queued samples as a fraction of the active capacity.
func (r *pcmRing) Occupancy() float64 {
	if r.activeCap == 0 {
		return 0
	}
	return float64(r.len) / float64(r.activeCap)
}

// Resize changes the logical capacity. Shrinking drops the oldest queued
// samples beyond the new capacity; growing simply raises the ceiling.
func (r *pcmRing) Resize(newCapSamples int) {
	if newCapSamples > len(r.buf) {
		newCapSamples = len(r.buf)
	}
	for r.len > newCapSamples {
		r.readPos = (r.readPos + 1) % len(r.buf)
		r.len--
	}
	r.activeCap = newCapSamples
}

// DrainStressCounters resets and returns the underrun/overflow counts
// accumulated since the last call.
func (r *pcmRing) DrainStressCounters() (underruns, overflows uint64) {
	underruns, overflows = r.underruns, r.overflows
	r.underruns, r.overflows = 0, 0
	return
}
