// Package spatial renders decoded mono PCM into the stereo output the
// playback device consumes, either with positional panning/attenuation
// (the HRTF-ish sink) or as a flat pass-through (the non-spatial sink).
// A pipeline owns exactly one sink variant at a time; switching variants
// requires tearing the pipeline down and recreating it.
package spatial

import (
	"math"

	"nearcast/internal/playerstate"
)

// Sink renders one mono frame into separate left and right channel slices,
// each of the same frame length.
type Sink interface {
	Render(mono []int16) (left, right []int16)
	// Kind reports which sink variant this is, so the pipeline can detect a
	// spatial/non-spatial switch and rebuild itself.
	Kind() Kind
}

// Kind distinguishes sink variants.
type Kind int

const (
	KindNonSpatial Kind = iota
	KindSpatial
)

// NonSpatialSink duplicates the mono signal to both channels unattenuated.
// Used for frames that arrive without a coordinate.
type NonSpatialSink struct{}

func (NonSpatialSink) Kind() Kind { return KindNonSpatial }

func (NonSpatialSink) Render(mono []int16) (left, right []int16) {
	return mono, mono
}

// referenceDistance is the distance (meters) at which spatial attenuation
// starts; closer than this, volume is full.
const referenceDistance = 2.0

// rolloffDistance is the distance beyond which a speaker is inaudible
// (volume reaches zero); should exceed the largest configured broadcast
// range so attenuation, not a hard cut, governs perceived falloff.
const rolloffDistance = 96.0

// SpatialSink renders an approximate HRTF/panning effect: equal-power stereo
// pan from the listener-relative azimuth, plus a linear distance falloff
// from full volume at referenceDistance to silence at rolloffDistance.
// It is "HRTF-ish" rather than a full head-related transfer function
// convolution, but sufficient to localize a speaker left/right/front/back
// without per-platform native audio bindings.
type SpatialSink struct {
	listener    playerstate.Coordinate
	listenerYaw float32 // degrees
	source      playerstate.Coordinate
}

func NewSpatialSink(listener playerstate.Coordinate, listenerYaw float32, source playerstate.Coordinate) *SpatialSink {
	return &SpatialSink{listener: listener, listenerYaw: listenerYaw, source: source}
}

func (*SpatialSink) Kind() Kind { return KindSpatial }

// Update refreshes listener/source positions as new AudioFrames and local
// position updates arrive.
func (s *SpatialSink) Update(listener playerstate.Coordinate, listenerYaw float32, source playerstate.Coordinate) {
	s.listener, s.listenerYaw, s.source = listener, listenerYaw, source
}

// SourcePosition returns the speaker's last-known coordinate, used when
// only the listener side of Update needs refreshing.
func (s *SpatialSink) SourcePosition() playerstate.Coordinate {
	return s.source
}

func (s *SpatialSink) Render(mono []int16) (left, right []int16) {
	dx := float64(s.source.X - s.listener.X)
	dz := float64(s.source.Z - s.listener.Z)
	distance := math.Hypot(dx, dz)

	gain := attenuate(distance)

	// Azimuth relative to listener facing (yaw, degrees clockwise from +Z).
	bearing := math.Atan2(dx, dz) * 180 / math.Pi
	relative := normalizeDegrees(bearing - float64(s.listenerYaw))

	// Equal-power pan: relative in [-180,180] maps to pan in [-1,1] via the
	// sine of the half-angle, saturating at +-90 degrees either side.
	clamped := relative
	if clamped > 90 {
		clamped = 90
	} else if clamped < -90 {
		clamped = -90
	}
	theta := clamped / 90 * (math.Pi / 4) // [-pi/4, pi/4]
	leftGain := gain * (math.Cos(theta) - math.Sin(theta))
	rightGain := gain * (math.Cos(theta) + math.Sin(theta))

	left = make([]int16, len(mono))
	right = make([]int16, len(mono))
	for i, s := range mono {
		left[i] = scaleSample(s, leftGain)
		right[i] = scaleSample(s, rightGain)
	}
	return left, right
}

func attenuate(distance float64) float64 {
	if distance <= referenceDistance {
		return 1.0
	}
	if distance >= rolloffDistance {
		return 0.0
	}
	return 1.0 - (distance-referenceDistance)/(rolloffDistance-referenceDistance)
}

func normalizeDegrees(d float64) float64 {
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

func scaleSample(s int16, gain float64) int16 {
	v := float64(s) * gain
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
