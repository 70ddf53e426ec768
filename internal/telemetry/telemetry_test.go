package telemetry_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"nearcast/internal/telemetry"
)

func TestNewJitterMetricsRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewJitterMetrics(reg)

	m.FramesDecoded.WithLabelValues("Steve").Inc()
	m.FramesPLC.WithLabelValues("Steve").Inc()
	m.QualityScore.WithLabelValues("Steve").Set(0.75)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesDecoded.WithLabelValues("Steve")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesPLC.WithLabelValues("Steve")))
	assert.Equal(t, float64(0.75), testutil.ToFloat64(m.QualityScore.WithLabelValues("Steve")))
}

func TestNewDispatchMetricsRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewDispatchMetrics(reg)

	m.PacketsReceived.WithLabelValues("audio_frame").Inc()
	m.FramesFannedOut.Inc()
	m.IdentityMismatch.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsReceived.WithLabelValues("audio_frame")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesFannedOut))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IdentityMismatch))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	telemetry.NewJitterMetrics(reg)
	assert.Panics(t, func() { telemetry.NewJitterMetrics(reg) })
}

func TestStartPeriodicReportLogsUntilStopped(t *testing.T) {
	log := slog.New(slog.NewTextHandler(newDiscardWriter(), nil))
	stop := make(chan struct{})
	calls := make(chan struct{}, 4)

	go telemetry.StartPeriodicReport(5*time.Millisecond, stop, log, func() map[string]any {
		select {
		case calls <- struct{}{}:
		default:
		}
		return map[string]any{"quality": 0.9}
	})

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected at least one periodic report call")
	}
	close(stop)
}

type discardWriter struct{}

func newDiscardWriter() discardWriter { return discardWriter{} }

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
