// Package vad decides which capture frames carry speech. Levels are
// measured over 10ms sub-windows rather than whole frames, so a short
// plosive at the end of a 20ms frame still opens the gate, and open/close
// transitions are rate-limited by a cooldown so bursty speech does not
// flap the transmit state on and off mid-word.
package vad

import "math"

const (
	// subWindowMs is the analysis granularity. A 20ms capture frame
	// contributes two sub-windows; leftover samples carry into the next
	// frame's first sub-window.
	subWindowMs = 10

	// DefaultThresholdDB is the speech threshold in dBFS. Quiet speech
	// sits well above this; fan and line hum sit below it.
	DefaultThresholdDB = -46.0

	// DefaultCooldownMs is the minimum spacing between open/close
	// transitions.
	DefaultCooldownMs = 50

	// DefaultHoldMs keeps the gate open after the last speech sub-window
	// so word endings are not clipped.
	DefaultHoldMs = 400
)

// Detector is a single-channel speech/silence classifier. Zero value is
// not usable; use New.
type Detector struct {
	subSamples int
	threshold  float64 // linear RMS

	enabled bool
	open    bool

	holdWindows     int // sub-windows the gate stays open after speech
	cooldownWindows int // min sub-windows between transitions

	holdLeft  int
	sinceFlip int

	carry []float32 // partial sub-window left over from the previous frame
}

// New returns a Detector for mono float32 PCM at sampleRate, with the
// default threshold, cooldown, and hold.
func New(sampleRate int) *Detector {
	sub := sampleRate * subWindowMs / 1000
	if sub < 32 {
		sub = 32
	}
	d := &Detector{
		subSamples: sub,
		threshold:  dbToLinear(DefaultThresholdDB),
		enabled:    true,
		carry:      make([]float32, 0, sub),
	}
	d.holdWindows = DefaultHoldMs / subWindowMs
	d.cooldownWindows = DefaultCooldownMs / subWindowMs
	d.sinceFlip = d.cooldownWindows
	return d
}

// SetEnabled enables or disables detection. When disabled, Gate always
// reports true (pass-through mode).
func (d *Detector) SetEnabled(enabled bool) {
	d.enabled = enabled
	if !enabled {
		d.open = false
		d.holdLeft = 0
		d.carry = d.carry[:0]
	}
}

// Enabled reports whether detection is active.
func (d *Detector) Enabled() bool { return d.enabled }

// SetThresholdDB sets the speech threshold in dBFS (e.g. -46). Lower
// values pass quieter speech; higher values suppress more background.
func (d *Detector) SetThresholdDB(db float64) {
	d.threshold = dbToLinear(db)
}

// Open reports whether the gate was open after the last Gate call.
func (d *Detector) Open() bool { return d.open }

// Gate analyzes one capture frame and reports whether it should be
// transmitted. The frame is split into 10ms sub-windows (a partial
// trailing window carries into the next call); any sub-window above the
// threshold marks speech and refreshes the hold. State changes honor the
// cooldown in both directions.
func (d *Detector) Gate(frame []float32) bool {
	if !d.enabled {
		return true
	}

	samples := frame
	if len(d.carry) > 0 {
		samples = append(d.carry, frame...)
	}

	i := 0
	for ; i+d.subSamples <= len(samples); i += d.subSamples {
		d.analyze(samples[i : i+d.subSamples])
	}
	d.carry = append(d.carry[:0], samples[i:]...)

	return d.open || d.holdLeft > 0
}

func (d *Detector) analyze(window []float32) {
	d.sinceFlip++

	if rms(window) > d.threshold {
		d.holdLeft = d.holdWindows
		if !d.open && d.sinceFlip >= d.cooldownWindows {
			d.open = true
			d.sinceFlip = 0
		}
		return
	}

	if d.holdLeft > 0 {
		d.holdLeft--
	}
	if d.holdLeft == 0 && d.open && d.sinceFlip >= d.cooldownWindows {
		d.open = false
		d.sinceFlip = 0
	}
}

// Reset clears the hold and carry state without changing settings.
func (d *Detector) Reset() {
	d.open = false
	d.holdLeft = 0
	d.sinceFlip = d.cooldownWindows
	d.carry = d.carry[:0]
}

func rms(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(window)))
}

// RMSdb returns the level of a frame in dBFS, floored at -96 for silence.
func RMSdb(frame []float32) float64 {
	r := rms(frame)
	if r <= 0 {
		return -96
	}
	db := 20 * math.Log10(r)
	if db < -96 {
		db = -96
	}
	return db
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
