package jitterbuf

import (
	"sync"
	"time"

	"nearcast/client/internal/encodec"
	"nearcast/client/internal/spatial"
	"nearcast/internal/playerstate"
	"nearcast/internal/telemetry"
)

// staleAfter is how long a pipeline can go without a Push before Manager
// prunes it (a departed or disconnected speaker).
const staleAfter = 30 * time.Second

// tickInterval matches one Opus frame: Advance is called once per
// tick for every live pipeline.
const tickInterval = 20 * time.Millisecond

// Manager owns one Pipeline per remote speaker, runs the 20ms playout
// ticker, prunes stale speakers, and exposes a mixed stereo output and the
// periodic telemetry report.
type Manager struct {
	mu         sync.Mutex
	sampleRate int
	tunables   Tunables
	metrics    *telemetry.JitterMetrics

	pipelines  map[string]*Pipeline
	lastPush   map[string]time.Time
	sinkKind   map[string]spatial.Kind

	listener    playerstate.Coordinate
	listenerYaw float32
	spatialOn   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. spatialOn controls whether newly created
// pipelines default to a SpatialSink (true) or NonSpatialSink (false); a
// frame carrying no coordinate always falls back to non-spatial regardless
// of this default.
func NewManager(sampleRate int, tunables Tunables, metrics *telemetry.JitterMetrics, spatialOn bool) *Manager {
	return &Manager{
		sampleRate: sampleRate,
		tunables:   tunables,
		metrics:    metrics,
		pipelines:  make(map[string]*Pipeline),
		lastPush:   make(map[string]time.Time),
		sinkKind:   make(map[string]spatial.Kind),
		spatialOn:  spatialOn,
		stop:       make(chan struct{}),
	}
}

// Run starts the 20ms playout ticker and the staleness sweep. Call Stop to
// shut it down.
func (m *Manager) Run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		sweep := time.NewTicker(staleAfter / 2)
		defer sweep.Stop()
		for {
			select {
			case <-m.stop:
				return
			case now := <-ticker.C:
				m.advanceAll(now)
			case now := <-sweep.C:
				m.pruneStale(now)
			}
		}
	}()
}

// Stop halts the playout ticker and staleness sweep and blocks until both
// exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// UpdateListener refreshes the local player's position/facing, used to
// recompute every spatial pipeline's panning on the next render.
func (m *Manager) UpdateListener(pos playerstate.Coordinate, yaw float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = pos
	m.listenerYaw = yaw
	for sender, p := range m.pipelines {
		if m.sinkKind[sender] != spatial.KindSpatial {
			continue
		}
		if s, ok := currentSpatialSink(p); ok {
			s.Update(m.listener, m.listenerYaw, s.SourcePosition())
		}
	}
}

// Push routes an incoming decoded-candidate audio frame to the sender's
// pipeline, creating one on first sight. source is nil for non-spatial
// frames (no coordinate attached).
func (m *Manager) Push(sender string, seq uint32, opus []byte, source *playerstate.Coordinate, arrival time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantKind := spatial.KindNonSpatial
	if source != nil && m.spatialOn {
		wantKind = spatial.KindSpatial
	}

	p, ok := m.pipelines[sender]
	if ok && m.sinkKind[sender] != wantKind {
		// Sink variant changed (coordinate appeared/disappeared): rebuild
		// the pipeline rather than live-swapping the sink.
		delete(m.pipelines, sender)
		ok = false
	}

	if !ok {
		var sink spatial.Sink
		if wantKind == spatial.KindSpatial {
			sink = spatial.NewSpatialSink(m.listener, m.listenerYaw, *source)
		} else {
			sink = spatial.NonSpatialSink{}
		}
		np, err := NewPipeline(sender, m.sampleRate, m.tunables, sink, m.metrics, func() (encodec.Decoder, error) {
			return encodec.NewDecoder(m.sampleRate)
		})
		if err != nil {
			return err
		}
		p = np
		m.pipelines[sender] = p
		m.sinkKind[sender] = wantKind
	} else if wantKind == spatial.KindSpatial {
		if s, ok := currentSpatialSink(p); ok {
			s.Update(m.listener, m.listenerYaw, *source)
		}
	}

	m.lastPush[sender] = arrival
	p.Push(seq, opus, arrival)
	return nil
}

func (m *Manager) advanceAll(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pipelines {
		p.Advance(now)
	}
}

func (m *Manager) pruneStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sender, last := range m.lastPush {
		if now.Sub(last) > staleAfter {
			delete(m.pipelines, sender)
			delete(m.lastPush, sender)
			delete(m.sinkKind, sender)
		}
	}
}

// Mix pulls one stereo sample from every live pipeline and sums them,
// clipping to int16 range. Never blocks: a pipeline with nothing
// queued contributes silence for that sample.
func (m *Manager) Mix() (left, right int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var l, r int32
	for _, p := range m.pipelines {
		pl, pr := p.PullSample()
		l += int32(pl)
		r += int32(pr)
	}
	return clip32(l), clip32(r)
}

func clip32(v int32) int16 {
	const max = 32767
	const min = -32768
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return int16(v)
}

// Report returns a snapshot suitable for telemetry.StartPeriodicReport,
// keyed by speaker name.
func (m *Manager) Report() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.pipelines))
	for sender, p := range m.pipelines {
		out[sender] = p.Stats()
	}
	return out
}

// currentSpatialSink type-asserts a pipeline's sink to *spatial.SpatialSink,
// if it has one.
func currentSpatialSink(p *Pipeline) (*spatial.SpatialSink, bool) {
	s, ok := p.sink.(*spatial.SpatialSink)
	return s, ok
}
