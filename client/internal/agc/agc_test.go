package agc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(amplitude float32, samples int) []float32 {
	f := make([]float32, samples)
	for i := range f {
		f[i] = amplitude
	}
	return f
}

func TestQuietSignalIsBoostedTowardTarget(t *testing.T) {
	l := New()

	// -40 dBFS input, -18 dBFS target: the gain must climb over time.
	var out float32
	for i := 0; i < 200; i++ {
		f := frame(0.01, 960)
		l.Process(f)
		out = f[0]
	}
	assert.Greater(t, l.GainDB(), 10.0, "sustained quiet input must accumulate boost")
	assert.Greater(t, float64(out), 0.05, "output level must approach the target")
}

func TestHotSignalIsCutTowardTarget(t *testing.T) {
	l := New()
	for i := 0; i < 200; i++ {
		l.Process(frame(0.8, 960))
	}
	assert.Less(t, l.GainDB(), -1.0, "sustained hot input must be attenuated")
}

func TestGainBoundedByMaxBoost(t *testing.T) {
	l := New()
	for i := 0; i < 1000; i++ {
		l.Process(frame(0.002, 960)) // very quiet but above the noise floor
	}
	assert.LessOrEqual(t, l.GainDB(), maxBoostDB+0.1)
}

func TestSilenceDoesNotMoveGain(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		l.Process(frame(0.01, 960))
	}
	before := l.GainDB()
	for i := 0; i < 100; i++ {
		l.Process(frame(0, 960)) // below the noise floor
	}
	assert.InDelta(t, before, l.GainDB(), 1e-9, "near-silence must not wind the gain up")
}

func TestPeakCeilingNeverExceeded(t *testing.T) {
	l := New()
	// Build up boost on a quiet signal, then slam a full-scale frame in.
	for i := 0; i < 300; i++ {
		l.Process(frame(0.01, 960))
	}
	f := frame(0.9, 960)
	l.Process(f)
	peak := 0.0
	for _, s := range f {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	assert.LessOrEqual(t, peak, peakCeiling+1e-6)
}

func TestSetTargetLevelMapping(t *testing.T) {
	l := New()
	l.SetTargetLevel(0)
	lo := l.target
	l.SetTargetLevel(100)
	hi := l.target
	assert.Greater(t, hi, lo, "higher UI level must mean a louder target")
	assert.InDelta(t, dbToLinear(-30), lo, 1e-9)
	assert.InDelta(t, dbToLinear(-6), hi, 1e-9)

	l.SetTargetLevel(-5)
	assert.InDelta(t, dbToLinear(-30), l.target, 1e-9, "level clamps at 0")
}

func TestResetRestoresUnityGain(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		l.Process(frame(0.01, 960))
	}
	l.Reset()
	assert.InDelta(t, 0.0, l.GainDB(), 1e-9)
}
