// Package telemetry defines the Prometheus metrics exposed by the client's
// jitter-buffer pipelines and the relay's dispatcher, and a
// small periodic reporter that logs a snapshot every 30s.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JitterMetrics are the per-speaker-pipeline counters and gauges. All
// counters are registered once per client process and labeled by sender
// name.
type JitterMetrics struct {
	FramesDecoded         *prometheus.CounterVec
	FramesPLC             *prometheus.CounterVec
	FramesSilence         *prometheus.CounterVec
	FramesDroppedOverflow *prometheus.CounterVec
	FramesDroppedOOO      *prometheus.CounterVec
	AggregatedDecodes     *prometheus.CounterVec
	AdaptationEvents      *prometheus.CounterVec
	BufferAdjustments     *prometheus.CounterVec
	QualityScore          *prometheus.GaugeVec
}

// NewJitterMetrics registers and returns the jitter-buffer metric family
// on reg. Panics on duplicate registration, per prometheus's MustRegister
// convention.
func NewJitterMetrics(reg prometheus.Registerer) *JitterMetrics {
	labels := []string{"sender"}
	m := &JitterMetrics{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "frames_decoded_total",
			Help: "Frames successfully decoded.",
		}, labels),
		FramesPLC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "frames_plc_total",
			Help: "Frames synthesized via packet-loss concealment.",
		}, labels),
		FramesSilence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "frames_silence_total",
			Help: "Frames replaced with silence after sustained loss.",
		}, labels),
		FramesDroppedOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "frames_dropped_overflow_total",
			Help: "Frames dropped because the ring buffer was full.",
		}, labels),
		FramesDroppedOOO: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "frames_dropped_ooo_total",
			Help: "Frames dropped as too far out of order.",
		}, labels),
		AggregatedDecodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "aggregated_decodes_total",
			Help: "Total decode attempts (decoded+plc+silence) for quality_score accounting.",
		}, labels),
		AdaptationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "adaptation_events_total",
			Help: "Times the assessed NetworkQuality changed.",
		}, labels),
		BufferAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "buffer_adjustments_total",
			Help: "Times capacity_ms was resized.",
		}, labels),
		QualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nearcast", Subsystem: "jitter", Name: "quality_score",
			Help: "clamp(decoded/total - 0.5*plc/total - 0.8*silence/total), in [0,1].",
		}, labels),
	}
	reg.MustRegister(m.FramesDecoded, m.FramesPLC, m.FramesSilence, m.FramesDroppedOverflow,
		m.FramesDroppedOOO, m.AggregatedDecodes, m.AdaptationEvents, m.BufferAdjustments, m.QualityScore)
	return m
}

// DispatchMetrics are the relay-side dispatcher counters.
type DispatchMetrics struct {
	PacketsReceived   *prometheus.CounterVec
	FramesFannedOut   prometheus.Counter
	FramesFiltered    prometheus.Counter
	IdentityMismatch  prometheus.Counter
	Supersessions     prometheus.Counter
	SendQueueOverflow prometheus.Counter
}

// NewDispatchMetrics registers and returns the dispatcher metric family.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "packets_received_total",
			Help: "Packets received by type.",
		}, []string{"type"}),
		FramesFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "frames_fanned_out_total",
			Help: "AudioFrame deliveries across all recipients.",
		}),
		FramesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "frames_filtered_total",
			Help: "AudioFrame (sender, recipient) evaluations that failed the audibility predicate.",
		}),
		IdentityMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "identity_mismatch_total",
			Help: "Packets dropped for PacketOwner/certificate CN mismatch.",
		}),
		Supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "supersessions_total",
			Help: "Connection registry supersessions.",
		}),
		SendQueueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nearcast", Subsystem: "dispatch", Name: "send_queue_overflow_total",
			Help: "Outbound AudioFrames dropped because a recipient's send queue was full.",
		}),
	}
	reg.MustRegister(m.PacketsReceived, m.FramesFannedOut, m.FramesFiltered, m.IdentityMismatch,
		m.Supersessions, m.SendQueueOverflow)
	return m
}

// StartPeriodicReport logs a snapshot of fn's return value every interval
// until stop is closed, without coupling the jitter package to a logger.
func StartPeriodicReport(interval time.Duration, stop <-chan struct{}, log *slog.Logger, fn func() map[string]any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fields := fn()
			args := make([]any, 0, len(fields)*2)
			for k, v := range fields {
				args = append(args, k, v)
			}
			log.Info("jitter buffer report", args...)
		}
	}
}
