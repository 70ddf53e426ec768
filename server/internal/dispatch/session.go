package dispatch

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"nearcast/internal/telemetry"
	"nearcast/internal/wire"
)

// errSessionClosed is returned by SendRaw once the session has been closed,
// either by supersession or because its stream/connection died.
var errSessionClosed = errors.New("dispatch: session closed")

// Session is one connected client's egress side: a bounded outbound queue
// drained by a send task, implementing state.Session so the connection
// registry can supersede or close it. Overflow drops the oldest queued
// AudioFrame, the same policy the client applies to its own transmit
// queue. Newest data is more valuable than old.
type Session struct {
	Name string
	ID   uuid.UUID

	mu     sync.Mutex
	queue  [][]byte
	cap    int
	closed bool
	notify chan struct{}
	done   chan struct{}

	metrics *telemetry.DispatchMetrics
}

// NewSession constructs a Session with the given outbound queue capacity.
func NewSession(name string, id uuid.UUID, capacity int, metrics *telemetry.DispatchMetrics) *Session {
	return &Session{
		Name:    name,
		ID:      id,
		cap:     capacity,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

// SendRaw enqueues an already-framed packet for delivery. Never blocks:
// if the queue is at capacity the oldest queued AudioFrame is dropped to
// make room, or the oldest entry of any type when no AudioFrame is queued.
func (s *Session) SendRaw(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	if len(s.queue) >= s.cap {
		drop := 0
		for i, q := range s.queue {
			if len(q) > wire.HeaderLen && wire.Type(q[wire.HeaderLen]) == wire.TypeAudioFrame {
				drop = i
				break
			}
		}
		s.queue = append(s.queue[:drop], s.queue[drop+1:]...)
		if s.metrics != nil {
			s.metrics.SendQueueOverflow.Inc()
		}
	}
	s.queue = append(s.queue, b)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain pops every currently queued packet, for the send task to write out.
func (s *Session) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// Wait returns the notify channel the send task selects on between drains.
func (s *Session) Wait() <-chan struct{} { return s.notify }

// Close marks the session closed; subsequent SendRaw calls fail. The send
// task observes this via IsClosed and unwinds; Done is closed so the
// connection-level teardown watcher in HandleConnection can tear the
// transport down (Session itself doesn't own it).
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Done returns a channel closed when the session is closed, whether by
// supersession or its own connection unwinding.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
