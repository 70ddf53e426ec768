// Package dispatch implements the relay's ingress/egress dispatcher: one
// receive task and one send task per connected client, plus the shared
// audibility-predicate fan-out in fanout.go. Structured per connection
// rather than per room: there is no channel-scoped voice topology here,
// channel membership only overrides the spatial predicate.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"nearcast/internal/playerstate"
	"nearcast/internal/telemetry"
	"nearcast/internal/wire"
	"nearcast/server/internal/state"
)

// Stream is the minimal bidirectional byte-stream capability the dispatcher
// needs from a QUIC stream; satisfied by *quic.Stream.
type Stream interface {
	io.Reader
	io.Writer
}

// Dispatcher owns the shared caches and drives one HandleConnection call
// per accepted client connection.
type Dispatcher struct {
	cfg       Config
	positions *state.PositionCache
	channels  *state.ChannelCache
	registry  *state.Registry
	metrics   *telemetry.DispatchMetrics
	log       *slog.Logger
}

// New constructs a Dispatcher over the given shared caches.
func New(cfg Config, positions *state.PositionCache, channels *state.ChannelCache, registry *state.Registry, metrics *telemetry.DispatchMetrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{cfg: cfg, positions: positions, channels: channels, registry: registry, metrics: metrics, log: log}
}

// HandleConnection drives one client connection end to end: await Hello,
// bind identity to the peer certificate's CN, register in the connection
// registry (superseding any prior connection for the same name), then run
// the receive loop and send task concurrently until the stream closes.
// peerCN is the Common Name from the verified client certificate; an
// empty peerCN means no client certificate was presented, which is fatal
// (the degenerate "never matched" identity mismatch).
func (d *Dispatcher) HandleConnection(ctx context.Context, stream Stream, peerCN string, onClose func()) error {
	defer onClose()

	reader := wire.NewReader(stream, func() {
		d.log.Debug("wire stream resync")
	})

	first, err := reader.ReadPacket()
	if err != nil {
		return err
	}
	if first.Type != wire.TypeHello || first.Hello == nil {
		return errUnexpectedFirstPacket
	}
	if peerCN == "" || first.Hello.Name != peerCN {
		if d.metrics != nil {
			d.metrics.IdentityMismatch.Inc()
		}
		return errIdentityMismatch
	}
	if !wire.MajorVersionCompatible(first.Hello.ProtocolVersion, wire.ProtocolVersion) {
		return errIncompatibleVersion
	}

	name := peerCN
	sess := NewSession(name, uuid.New(), d.cfg.DatagramSendCapacity, d.metrics)
	connID, superseded := d.registry.Register(name, sess)
	if superseded && d.metrics != nil {
		d.metrics.Supersessions.Inc()
	}
	defer func() {
		// A superseded connection no longer owns the name; wiping the
		// position/channel entries here would destroy the state the newer
		// connection for the same player is relying on.
		if d.registry.Unregister(name, connID) {
			d.positions.Remove(name)
			d.channels.Leave(name)
		}
	}()

	// Echo Hello back so the client's connectAndServe can confirm the
	// handshake and learn our protocol version.
	if err := wire.Write(stream, wire.Owner{Name: "relay"}, wire.Packet{
		Type: wire.TypeHello,
		Hello: &wire.Hello{Name: "relay", ProtocolVersion: wire.ProtocolVersion},
	}); err != nil {
		return err
	}

	d.broadcastAll(name, wire.Packet{
		Owner: wire.Owner{Name: name},
		Type:  wire.TypeHello,
		Hello: &wire.Hello{Name: name, ProtocolVersion: wire.ProtocolVersion},
	})

	// Teardown watcher: the moment the session closes (most importantly by
	// supersession, where a newer connection for the same name calls
	// sess.Close from another goroutine), onClose tears the transport down
	// so the receive loop's blocked read unwinds promptly instead of
	// waiting out the QUIC idle timeout.
	go func() {
		<-sess.Done()
		onClose()
	}()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		d.runSendTask(stream, sess)
	}()

	err = d.runReceiveLoop(ctx, reader, stream, name, sess)
	sess.Close()
	<-sendDone
	return err
}

func (d *Dispatcher) runSendTask(stream Stream, sess *Session) {
	for {
		pending := sess.drain()
		for _, raw := range pending {
			if _, err := stream.Write(raw); err != nil {
				sess.Close()
				return
			}
		}
		if sess.IsClosed() {
			// One last drain in case a packet was enqueued (e.g. by another
			// connection's broadcast or fan-out) between our last drain and
			// the close becoming visible.
			for _, raw := range sess.drain() {
				if _, err := stream.Write(raw); err != nil {
					return
				}
			}
			return
		}
		<-sess.Wait()
	}
}

func (d *Dispatcher) runReceiveLoop(ctx context.Context, reader *wire.Reader, stream Stream, name string, sess *Session) error {
	limiter := rate.NewLimiter(rate.Limit(d.cfg.ControlRateLimitPerSec), d.cfg.ControlRateLimitBurst)
	mismatches := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, err := reader.ReadPacket()
		if err != nil {
			return err
		}

		if pkt.Owner.Name != "" && pkt.Owner.Name != name {
			mismatches++
			if d.metrics != nil {
				d.metrics.IdentityMismatch.Inc()
			}
			if mismatches >= d.cfg.IdentityMismatchLimit {
				return errIdentityMismatch
			}
			continue
		}
		mismatches = 0
		pkt.Owner = wire.Owner{Name: name}

		if d.metrics != nil {
			d.metrics.PacketsReceived.WithLabelValues(typeLabel(pkt.Type)).Inc()
		}

		switch pkt.Type {
		case wire.TypeAudioFrame:
			d.handleAudio(name, pkt)
		case wire.TypePlayerData:
			d.handlePlayerData(name, pkt)
		case wire.TypeChannelEvent:
			if !limiter.Allow() {
				continue
			}
			d.handleChannelEvent(name, pkt)
		case wire.TypeHello:
			// Duplicate Hello mid-session: ignore, the registry already
			// reflects this connection.
		case wire.TypePing:
			if err := sess.SendRaw(encodePong(pkt.Ping)); err != nil {
				return err
			}
		case wire.TypePong:
			// no-op; presence of any packet already counts as liveness at
			// the transport layer.
		}
	}
}

func (d *Dispatcher) handleAudio(name string, pkt wire.Packet) {
	if pkt.Audio == nil {
		return
	}
	now := time.Now()
	if p, ok := d.positions.Get(name, now); ok {
		coord := p.Coordinate
		orient := p.Orientation
		dim := p.Context.Dimension
		pkt.Audio.Coordinate = &coord
		pkt.Audio.Orientation = &orient
		pkt.Audio.Dimension = &dim
	}
	d.fanoutAudio(name, pkt, now)
}

func (d *Dispatcher) handlePlayerData(name string, pkt wire.Packet) {
	if pkt.Players == nil {
		return
	}
	now := time.Now()
	for _, p := range pkt.Players.Players {
		d.positions.Upsert(p, now)
	}
	d.broadcastAll(name, pkt)
}

func (d *Dispatcher) handleChannelEvent(name string, pkt wire.Packet) {
	if pkt.Channel == nil {
		return
	}
	switch pkt.Channel.Event {
	case wire.ChannelJoin:
		d.channels.Join(pkt.Channel.Name, pkt.Channel.Channel)
	case wire.ChannelLeave:
		d.channels.Leave(pkt.Channel.Name)
	case wire.ChannelDelete:
		d.channels.Delete(pkt.Channel.Channel)
	}
	d.broadcastAll(name, pkt)
}

// IngestPlayerData applies positions from the external HTTP edge and
// broadcasts them to every connected client, matching the behavior of a
// PlayerData packet arriving over a media connection.
func (d *Dispatcher) IngestPlayerData(players []playerstate.PlayerState) {
	now := time.Now()
	for _, p := range players {
		d.positions.Upsert(p, now)
	}
	d.broadcastAll("", wire.Packet{
		Owner:   wire.Owner{Name: "game"},
		Type:    wire.TypePlayerData,
		Players: &wire.PlayerData{Players: players},
	})
}

// EvictExpiredPositions should be called periodically (e.g. every minute)
// to bound the position cache even for players who vanish without a clean
// disconnect.
func (d *Dispatcher) EvictExpiredPositions() int {
	return d.positions.EvictExpired(time.Now())
}

func encodePong(ping *wire.Ping) []byte {
	ts := int64(0)
	if ping != nil {
		ts = ping.Ts
	}
	raw, _ := wire.Encode(wire.Owner{Name: "relay"}, wire.Packet{Type: wire.TypePong, Pong: &wire.Pong{Ts: ts}})
	return raw
}

func typeLabel(t wire.Type) string {
	switch t {
	case wire.TypeAudioFrame:
		return "audio"
	case wire.TypePlayerData:
		return "player_data"
	case wire.TypeChannelEvent:
		return "channel_event"
	case wire.TypeHello:
		return "hello"
	case wire.TypePing:
		return "ping"
	case wire.TypePong:
		return "pong"
	default:
		return "unknown"
	}
}
