// Package jitterbuf implements the client-side adaptive jitter buffer,
// decoder, and PLC pipeline. One Pipeline runs per remote speaker;
// pipelines are independent (no cross-speaker ordering guarantee).
package jitterbuf

import (
	"time"

	"nearcast/client/internal/encodec"
	"nearcast/client/internal/spatial"
	"nearcast/internal/telemetry"
)

// maxDecodeFailures is the number of consecutive Opus decode errors that
// trigger recreating the decoder instance.
const maxDecodeFailures = 10

// maxPLCRun is the number of consecutive missing frames concealed via PLC
// before falling back to silence.
const maxPLCRun = 5

// nominalGapMs is one Opus frame duration.
const nominalGapMs = 20.0

// Stats is a point-in-time snapshot of one pipeline's counters.
type Stats struct {
	FramesDecoded, FramesPLC, FramesSilence     uint64
	FramesDroppedOverflow, FramesDroppedOOO     uint64
	AggregatedDecodes, AdaptationEvents         uint64
	BufferAdjustments                           uint64
	QualityScore                                float64
	Quality                                     NetworkQuality
	Congestion                                   Congestion
	CapacityMs                                  float64
}

// Pipeline is the per-speaker jitter buffer + decoder + PLC + spatializer.
// Not safe for concurrent use: Push is called from the network-receive
// goroutine and Advance from a single 20ms ticker owned by Manager; callers
// must serialize the two (Manager does this with a mutex).
type Pipeline struct {
	sender       string
	sampleRate   int
	frameSamples int
	tunables     Tunables

	decoder        encodec.Decoder
	newDecoder     func() (encodec.Decoder, error)
	decodeFailures int

	staging *staging
	left    *pcmRing
	right   *pcmRing
	sink    spatial.Sink

	primed  bool
	plcRun  int

	quality    NetworkQuality
	congestion Congestion
	capacityMs float64

	lastAdjustment time.Time
	stateSince     time.Time // when the current (quality, congestion) pair started holding
	lastState      [2]int

	// loss/jitter accounting: expected/received accumulate over the
	// pipeline's whole lifetime and are never reset, so the loss rate is
	// cumulative rather than windowed; jitter is an EWMA of the absolute
	// deviation from the nominal frame gap
	expected, received int
	haveLastSeq        bool
	lastSeq            uint32
	lastArrival        time.Time
	jitterEWMA         float64
	bufferDepthEWMA    float64

	framesDecoded, framesPLC, framesSilence     uint64
	framesDroppedOverflow, framesDroppedOOO     uint64
	aggregatedDecodes, adaptationEvents         uint64
	bufferAdjustments                           uint64

	metrics *telemetry.JitterMetrics
}

// NewPipeline constructs a pipeline for one speaker. newDecoder builds a
// fresh decoder instance (used both initially and after maxDecodeFailures
// consecutive errors).
func NewPipeline(sender string, sampleRate int, tunables Tunables, sink spatial.Sink, metrics *telemetry.JitterMetrics, newDecoder func() (encodec.Decoder, error)) (*Pipeline, error) {
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	maxSamples := tunables.MaxCapacityMs * sampleRate / 1000
	initSamples := tunables.InitialCapacityMs * sampleRate / 1000
	p := &Pipeline{
		sender:       sender,
		sampleRate:   sampleRate,
		frameSamples: encodec.SamplesPerFrame(sampleRate),
		tunables:     tunables,
		decoder:      dec,
		newDecoder:   newDecoder,
		staging:      newStaging(),
		left:         newPCMRing(maxSamples, initSamples),
		right:        newPCMRing(maxSamples, initSamples),
		sink:         sink,
		metrics:      metrics,
		quality:      Good,
		congestion:   CongestionNone,
		capacityMs:   float64(tunables.InitialCapacityMs),
		stateSince:   time.Now(),
	}
	return p, nil
}

// Sender returns the speaker name this pipeline belongs to.
func (p *Pipeline) Sender() string { return p.sender }

// SetSink swaps the sink. Switching sink variants requires a fresh
// pipeline rather than a live swap; callers must recreate the Pipeline
// when Kind changes. SetSink is provided for updating a SpatialSink's
// listener position in place (same Kind), not for a variant switch.
func (p *Pipeline) SetSink(s spatial.Sink) { p.sink = s }

// Push is the arrival-recorder step: it records arrival
// time for jitter/loss accounting and inserts the frame into staging,
// subject to the reorder-window drop rule.
func (p *Pipeline) Push(seq uint32, opus []byte, arrival time.Time) {
	p.bufferDepthEWMA = p.tunables.AdaptationRate*p.left.Occupancy() + (1-p.tunables.AdaptationRate)*p.bufferDepthEWMA

	if p.haveLastSeq {
		diff := int32(seq - p.lastSeq)
		if diff > 0 {
			p.expected += int(diff)
			p.received++
			if gap := arrival.Sub(p.lastArrival); gap > 0 {
				gapMs := float64(gap.Microseconds()) / 1000.0
				d := gapMs - nominalGapMs
				if d < 0 {
					d = -d
				}
				p.jitterEWMA = (1.0/16.0)*d + (15.0/16.0)*p.jitterEWMA
			}
		}
	} else {
		p.expected++
		p.received++
	}
	p.lastSeq = seq
	p.haveLastSeq = true
	p.lastArrival = arrival

	reorderFrames := p.quality.ReorderWindowMs() / int(nominalGapMs)
	before := p.staging.droppedOOO
	p.staging.Push(seq, opus, reorderFrames)
	if p.staging.droppedOOO != before {
		p.framesDroppedOOO++
		p.incMetric(func(m *telemetry.JitterMetrics) { m.FramesDroppedOOO.WithLabelValues(p.sender).Inc() })
	}
}

// Advance runs one 20ms playout tick: warm-up gating, decode-or-conceal,
// spatial render, and ring fill. It also recomputes
// NetworkQuality/Congestion and applies rate-limited capacity adjustments.
// Returns false while still in warm-up (nothing was queued).
func (p *Pipeline) Advance(now time.Time) bool {
	if !p.primed {
		if p.staging.Queued() < p.quality.WarmupFrames() {
			return false
		}
		p.primed = true
	}

	pcm := make([]int16, p.frameSamples)
	opusData, ok := p.staging.Next()
	if ok {
		n, err := p.decoder.Decode(opusData, pcm)
		if err != nil {
			p.decodeFailures++
			if p.decodeFailures >= maxDecodeFailures {
				if nd, derr := p.newDecoder(); derr == nil {
					p.decoder = nd
				}
				p.decodeFailures = 0
			}
			p.framesSilence++
			p.incMetric(func(m *telemetry.JitterMetrics) { m.FramesSilence.WithLabelValues(p.sender).Inc() })
			for i := range pcm {
				pcm[i] = 0
			}
		} else {
			if n < len(pcm) {
				pcm = pcm[:n]
			}
			p.decodeFailures = 0
			p.plcRun = 0
			p.framesDecoded++
			p.incMetric(func(m *telemetry.JitterMetrics) { m.FramesDecoded.WithLabelValues(p.sender).Inc() })
		}
	} else {
		p.plcRun++
		if p.plcRun <= maxPLCRun {
			if err := p.decoder.DecodeFEC(nil, pcm); err != nil {
				for i := range pcm {
					pcm[i] = 0
				}
			}
			p.framesPLC++
			p.incMetric(func(m *telemetry.JitterMetrics) { m.FramesPLC.WithLabelValues(p.sender).Inc() })
		} else {
			for i := range pcm {
				pcm[i] = 0
			}
			p.framesSilence++
			p.incMetric(func(m *telemetry.JitterMetrics) { m.FramesSilence.WithLabelValues(p.sender).Inc() })
		}
	}
	p.aggregatedDecodes++
	p.incMetric(func(m *telemetry.JitterMetrics) { m.AggregatedDecodes.WithLabelValues(p.sender).Inc() })

	left, right := p.sink.Render(pcm)
	p.left.Write(left)
	p.right.Write(right)

	p.adapt(now)
	return true
}

// PullSample pops one stereo sample pair for the OS playback callback.
// Never blocks; returns zeros and counts an underrun if the rings are
// empty.
func (p *Pipeline) PullSample() (left, right int16) {
	l, lok := p.left.Pull()
	r, rok := p.right.Pull()
	if !lok {
		l = 0
	}
	if !rok {
		r = 0
	}
	return l, r
}

func (p *Pipeline) adapt(now time.Time) {
	var lossRate float64
	if p.expected > 0 {
		lossRate = 1 - float64(p.received)/float64(p.expected)
		if lossRate < 0 {
			lossRate = 0
		}
	}

	newQuality := ClassifyQuality(lossRate, p.jitterEWMA)
	underruns, overflows := p.left.DrainStressCounters()
	_, rOverflows := p.right.DrainStressCounters()
	overflows += rOverflows
	if overflows > 0 {
		p.framesDroppedOverflow += overflows
		p.incMetric(func(m *telemetry.JitterMetrics) {
			m.FramesDroppedOverflow.WithLabelValues(p.sender).Add(float64(overflows))
		})
	}
	stressEvents := int(underruns + overflows)
	newCongestion := ClassifyCongestion(p.bufferDepthEWMA, stressEvents)

	state := [2]int{int(newQuality), int(newCongestion)}
	if state != p.lastState {
		p.lastState = state
		p.stateSince = now
		if newQuality != p.quality || newCongestion != p.congestion {
			p.adaptationEvents++
			p.incMetric(func(m *telemetry.JitterMetrics) { m.AdaptationEvents.WithLabelValues(p.sender).Inc() })
		}
	}
	p.quality = newQuality
	p.congestion = newCongestion

	p.maybeResize(now)

	if p.metrics != nil && p.aggregatedDecodes > 0 {
		score := float64(p.framesDecoded)/float64(p.aggregatedDecodes) -
			0.5*float64(p.framesPLC)/float64(p.aggregatedDecodes) -
			0.8*float64(p.framesSilence)/float64(p.aggregatedDecodes)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		p.metrics.QualityScore.WithLabelValues(p.sender).Set(score)
	}
}

// maybeResize applies the adaptation rate limits: at most one resize per
// MinAdjustmentIntervalMs, capped to MaxChangePerAdjustment per step, and
// only once the current (quality, congestion) pair has held steady for at
// least StabilityWindowS.
func (p *Pipeline) maybeResize(now time.Time) {
	if !p.lastAdjustment.IsZero() && now.Sub(p.lastAdjustment) < time.Duration(p.tunables.MinAdjustmentIntervalMs)*time.Millisecond {
		return
	}
	if now.Sub(p.stateSince) < time.Duration(p.tunables.StabilityWindowS)*time.Second {
		return
	}

	target := TargetCapacityMs(p.tunables, p.quality, p.congestion)
	if target == p.capacityMs {
		return
	}

	maxDelta := p.capacityMs * p.tunables.MaxChangePerAdjustment
	delta := target - p.capacityMs
	if delta > maxDelta {
		delta = maxDelta
	} else if delta < -maxDelta {
		delta = -maxDelta
	}
	p.capacityMs += delta
	if p.capacityMs < float64(p.tunables.MinCapacityMs) {
		p.capacityMs = float64(p.tunables.MinCapacityMs)
	}
	if p.capacityMs > float64(p.tunables.MaxCapacityMs) {
		p.capacityMs = float64(p.tunables.MaxCapacityMs)
	}

	newSamples := int(p.capacityMs) * p.sampleRate / 1000
	p.left.Resize(newSamples)
	p.right.Resize(newSamples)
	p.lastAdjustment = now
	p.bufferAdjustments++
	p.incMetric(func(m *telemetry.JitterMetrics) { m.BufferAdjustments.WithLabelValues(p.sender).Inc() })
}

// Stats returns a snapshot of the pipeline's metrics, including the
// computed quality_score.
func (p *Pipeline) Stats() Stats {
	total := float64(p.aggregatedDecodes)
	score := 0.0
	if total > 0 {
		score = float64(p.framesDecoded)/total - 0.5*float64(p.framesPLC)/total - 0.8*float64(p.framesSilence)/total
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return Stats{
		FramesDecoded:         p.framesDecoded,
		FramesPLC:             p.framesPLC,
		FramesSilence:         p.framesSilence,
		FramesDroppedOverflow: p.framesDroppedOverflow,
		FramesDroppedOOO:      p.framesDroppedOOO,
		AggregatedDecodes:     p.aggregatedDecodes,
		AdaptationEvents:      p.adaptationEvents,
		BufferAdjustments:     p.bufferAdjustments,
		QualityScore:          score,
		Quality:               p.quality,
		Congestion:            p.congestion,
		CapacityMs:            p.capacityMs,
	}
}

func (p *Pipeline) incMetric(fn func(m *telemetry.JitterMetrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
