// Package noisegate attenuates capture frames whose level falls below a
// noise floor. Unlike a hard mute it uses open/close hysteresis (two
// thresholds) and ramps the applied gain with separate attack and release
// times, so the gate neither chatters on levels near the threshold nor
// clicks when it closes.
package noisegate

import "math"

const (
	// DefaultOpenDB is the level at which a closed gate opens.
	DefaultOpenDB = -38.0

	// DefaultCloseDB is the level below which an open gate closes. The
	// gap between the two is the hysteresis band; levels inside it keep
	// the gate in its current state.
	DefaultCloseDB = -44.0

	// attackMs and releaseMs are the gain ramp time constants. Attack is
	// fast so speech onsets pass immediately; release is slow so word
	// tails fade instead of cutting.
	attackMs  = 5.0
	releaseMs = 120.0

	// frameMs is the capture frame duration the coefficients assume.
	frameMs = 20.0
)

// Gate is a single-channel downward noise gate. Zero value is not usable;
// use New.
type Gate struct {
	openT  float64 // linear RMS
	closeT float64

	gain    float64 // smoothed applied gain in [0,1]
	open    bool
	enabled bool

	attackCoeff  float64
	releaseCoeff float64
}

// New returns a Gate with the default thresholds, enabled.
func New() *Gate {
	return &Gate{
		openT:        dbToLinear(DefaultOpenDB),
		closeT:       dbToLinear(DefaultCloseDB),
		gain:         1.0,
		enabled:      true,
		attackCoeff:  1 - math.Exp(-frameMs/attackMs),
		releaseCoeff: 1 - math.Exp(-frameMs/releaseMs),
	}
}

// SetEnabled enables or disables the gate. When disabled, Process leaves
// frames untouched.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.gain = 1.0
		g.open = false
	}
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool { return g.enabled }

// SetThresholdsDB sets the open and close thresholds in dBFS. closeDB
// should sit below openDB; if the caller inverts them the gate swaps them
// back so hysteresis is preserved.
func (g *Gate) SetThresholdsDB(openDB, closeDB float64) {
	if closeDB > openDB {
		openDB, closeDB = closeDB, openDB
	}
	g.openT = dbToLinear(openDB)
	g.closeT = dbToLinear(closeDB)
}

// IsOpen reports whether the gate is currently passing audio.
func (g *Gate) IsOpen() bool { return g.open }

// Process applies the gate to frame in place and returns the frame's
// measured level in dBFS (before gating), for level meters.
func (g *Gate) Process(frame []float32) float64 {
	level := frameRMS(frame)
	db := linearToDB(level)

	if !g.enabled {
		return db
	}

	switch {
	case level >= g.openT:
		g.open = true
	case level < g.closeT:
		g.open = false
	}

	target := 0.0
	coeff := g.releaseCoeff
	if g.open {
		target = 1.0
		coeff = g.attackCoeff
	}
	g.gain += coeff * (target - g.gain)

	if g.gain > 0.999 {
		g.gain = 1.0
		return db
	}
	for i, s := range frame {
		frame[i] = s * float32(g.gain)
	}
	return db
}

// Reset snaps the gate closed with unity release state.
func (g *Gate) Reset() {
	g.gain = 1.0
	g.open = false
}

func frameRMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func linearToDB(v float64) float64 {
	if v <= 0 {
		return -96
	}
	db := 20 * math.Log10(v)
	if db < -96 {
		db = -96
	}
	return db
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
