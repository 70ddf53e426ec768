// Package transport dials the relay over mutually-authenticated QUIC and
// keeps exactly one bidirectional stream alive across reconnects, matching
// the framed-packet protocol in internal/wire.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"nearcast/internal/wire"
)

// HealthState is the connection lifecycle reported to the caller.
type HealthState int

const (
	HealthConnecting HealthState = iota
	HealthConnected
	HealthReconnecting
	HealthDisconnected
	HealthFailed
)

func (s HealthState) String() string {
	switch s {
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthReconnecting:
		return "reconnecting"
	case HealthDisconnected:
		return "disconnected"
	default:
		return "failed"
	}
}

// Health is one health-state transition, including the reconnect attempt
// count when State is HealthReconnecting.
type Health struct {
	State   HealthState
	Attempt int
	Err     error
}

// health-monitor sub-protocol constants: if nothing has been
// received for TIdle, a Ping is sent; if no Pong (or any traffic) arrives
// within TAwait, the attempt counts as a failure; NFail consecutive
// failures tears the connection down for a reconnect.
const (
	tIdle  = 15 * time.Second
	tAwait = 5 * time.Second
	nFail  = 3
)

// recvQueueDepth bounds inbound packets awaiting the receive loop,
// matching the relay's datagram_recv_capacity default.
const recvQueueDepth = 1024

// backoff implements exponential backoff with jitter for reconnect
// attempts.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{baseDelay: 500 * time.Millisecond, maxDelay: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() { b.attempt = 0 }

// Client owns the relay connection: dial, handshake, health monitor, and
// reconnect loop. Inbound packets are delivered on Packets(); health
// transitions on Health(). Send may be called from several goroutines; an
// internal write mutex serializes the writes.
type Client struct {
	addr       string
	name       string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	log        *slog.Logger

	packets chan wire.Packet
	health  chan Health

	writeMu sync.Mutex
	conn    *quic.Conn
	stream  *quic.Stream
	reader  *wire.Reader

	lastRecv atomic.Int64 // unix-nano of the last packet received

	stop   chan struct{}
	closed chan struct{}
}

// NewClient constructs a Client. tlsConfig must present the client's
// CA-signed certificate (its CN equal to name) and trust the relay's CA;
// see internal/tlsconf for the matching server-side configuration.
// Call Run to start the connect/reconnect loop; it populates Packets() and
// Health() as events occur.
func NewClient(addr, name string, tlsConfig *tls.Config, log *slog.Logger) *Client {
	return &Client{
		addr:      addr,
		name:      name,
		tlsConfig: tlsConfig,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: 3 * time.Second,
			MaxIdleTimeout:       30 * time.Second,
			KeepAlivePeriod:      10 * time.Second,
		},
		log:     log,
		packets: make(chan wire.Packet, recvQueueDepth),
		health:  make(chan Health, 16),
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Packets returns the channel of decoded inbound packets.
func (c *Client) Packets() <-chan wire.Packet { return c.packets }

// Health returns the channel of connection lifecycle transitions.
func (c *Client) Health() <-chan Health { return c.health }

// Close stops the reconnect loop and closes the current connection.
func (c *Client) Close() {
	close(c.stop)
	<-c.closed
}

func (c *Client) emitHealth(h Health) {
	select {
	case c.health <- h:
	default:
		// Drop rather than block; Health is informational, Packets carries
		// the data path.
	}
}

// Run drives the connect -> serve -> (on failure) backoff -> reconnect
// loop until Close is called.
func (c *Client) Run(ctx context.Context) {
	defer close(c.closed)
	bo := newBackoff()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			c.emitHealth(Health{State: HealthDisconnected})
			return
		default:
		}

		c.emitHealth(Health{State: HealthConnecting})
		c.connectAndServe(ctx, bo.reset)

		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			c.emitHealth(Health{State: HealthDisconnected})
			return
		default:
		}

		if bo.attempt >= nFail {
			c.emitHealth(Health{State: HealthFailed, Attempt: bo.attempt})
		}
		delay := bo.next()
		c.emitHealth(Health{State: HealthReconnecting, Attempt: bo.attempt})
		select {
		case <-time.After(delay):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// connectAndServe dials once, performs the Hello handshake, and pumps
// packets until the stream errors or the health monitor gives up. onReady
// is called once the handshake succeeds, so the caller can reset its
// reconnect backoff.
func (c *Client) connectAndServe(ctx context.Context, onReady func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, c.addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		c.emitHealth(Health{State: HealthFailed, Err: err})
		return err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		c.emitHealth(Health{State: HealthFailed, Err: err})
		return err
	}

	c.writeMu.Lock()
	c.conn = conn
	c.stream = stream
	c.reader = wire.NewReader(stream, func() {
		if c.log != nil {
			c.log.Warn("wire stream resync")
		}
	})
	c.writeMu.Unlock()

	owner := wire.Owner{Name: c.name}
	if err := wire.Write(stream, owner, wire.Packet{Type: wire.TypeHello, Hello: &wire.Hello{Name: c.name, ProtocolVersion: wire.ProtocolVersion}}); err != nil {
		conn.CloseWithError(0, "hello failed")
		c.emitHealth(Health{State: HealthFailed, Err: err})
		return err
	}

	first, err := c.reader.ReadPacket()
	if err != nil {
		conn.CloseWithError(0, "hello reply failed")
		c.emitHealth(Health{State: HealthFailed, Err: err})
		return err
	}
	if first.Type != wire.TypeHello || first.Hello == nil {
		conn.CloseWithError(0, "unexpected first packet")
		return fmt.Errorf("transport: expected hello reply, got type %d", first.Type)
	}
	if !wire.MajorVersionCompatible(first.Hello.ProtocolVersion, wire.ProtocolVersion) {
		conn.CloseWithError(0, "incompatible protocol version")
		return fmt.Errorf("transport: incompatible protocol version %q", first.Hello.ProtocolVersion)
	}

	c.lastRecv.Store(time.Now().UnixNano())
	onReady()
	c.emitHealth(Health{State: HealthConnected})

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 2)
	go c.readLoop(ctx, errCh)
	go c.healthMonitor(ctx, errCh)

	select {
	case err := <-errCh:
		conn.CloseWithError(0, "session ended")
		return err
	case <-ctx.Done():
		conn.CloseWithError(0, "context canceled")
		return ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		pkt, err := c.reader.ReadPacket()
		if err != nil {
			errCh <- err
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if pkt.Type == wire.TypePong {
			continue
		}
		select {
		case c.packets <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// healthMonitor sends a Ping after tIdle of silence; if no
// traffic arrives within tAwait of that ping, count a failure; after nFail
// consecutive failures, end the session so Run reconnects.
func (c *Client) healthMonitor(ctx context.Context, errCh chan<- error) {
	fails := 0
	ticker := time.NewTicker(tIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idleFor := time.Duration(time.Now().UnixNano()-c.lastRecv.Load()) * time.Nanosecond
			if idleFor < tIdle {
				fails = 0
				continue
			}
			before := c.lastRecv.Load()
			if err := c.Send(wire.Packet{Type: wire.TypePing, Ping: &wire.Ping{Ts: time.Now().UnixMilli()}}); err != nil {
				errCh <- err
				return
			}
			select {
			case <-time.After(tAwait):
			case <-ctx.Done():
				return
			}
			if c.lastRecv.Load() == before {
				fails++
				if fails >= nFail {
					errCh <- fmt.Errorf("transport: health monitor exceeded %d consecutive failures", nFail)
					return
				}
			} else {
				fails = 0
			}
		}
	}
}

// Send writes a packet to the current stream. Safe for concurrent callers.
func (c *Client) Send(p wire.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stream == nil {
		return fmt.Errorf("transport: not connected")
	}
	return wire.Write(c.stream, wire.Owner{Name: c.name}, p)
}
