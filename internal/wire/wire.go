// Package wire implements the framed packet protocol shared by the
// nearcast client and relay: a 5-byte magic, an 8-byte big-endian length,
// and a self-describing payload.
//
// AudioFrame payloads use a compact hand-rolled binary encoding on the hot
// path (50 frames/sec/speaker); every other payload type is JSON, the
// usual choice for control messages that are not on a per-frame hot path.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"nearcast/internal/playerstate"
)

// Magic is the fixed 5-byte packet preamble.
var Magic = [5]byte{0xFB, 0x21, 0x33, 0x00, 0x1B}

// ProtocolVersion is transmitted in the Hello packet. Peers with
// incompatible major versions must close the connection.
const ProtocolVersion = "1.3.0"

// HeaderLen is len(Magic) + 8 (big-endian payload length).
const HeaderLen = len(Magic) + 8

// MaxPayloadLen bounds a single packet's payload to guard against a
// corrupt/hostile length field driving an unbounded allocation.
const MaxPayloadLen = 1 << 20 // 1 MiB

// Type tags the wire payload's variant. Transmitted as the first payload
// byte so a receiver can dispatch before touching the type-specific body.
type Type byte

const (
	TypeAudioFrame Type = iota + 1
	TypePlayerData
	TypeChannelEvent
	TypeHello
	TypePing
	TypePong
)

// Owner is the PacketOwner envelope attached by the sender. The relay MAY
// rewrite Name to the authenticated peer-certificate CN.
type Owner struct {
	Name     string
	ClientID []byte
}

// ChannelEventKind enumerates ChannelEvent variants.
type ChannelEventKind uint8

const (
	ChannelJoin ChannelEventKind = iota
	ChannelLeave
	ChannelDelete
)

// AudioFrame carries one 20ms Opus-compressed frame plus optional
// positional metadata the sender or relay has stamped onto it.
type AudioFrame struct {
	Data        []byte
	SampleRate  uint32
	Seq         uint16 // monotonically increasing per-sender sequence number
	Coordinate  *playerstate.Coordinate
	Orientation *playerstate.Orientation
	Dimension   *playerstate.Dimension
	Spatial     *bool
}

// legacyPlayer is the flat player representation some older game clients
// still emit; PlayerData accepts it and maps it onto the Minecraft
// variant of PlayerState.
type legacyPlayer struct {
	Name     string  `json:"name"`
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	Z        float32 `json:"z"`
	Yaw      float32 `json:"yaw"`
	Pitch    float32 `json:"pitch"`
	Dimension string `json:"dimension"`
	Deafened bool    `json:"deafened"`
}

// wirePlayer is the canonical tagged-sum wire representation of a
// PlayerState.
type wirePlayer struct {
	Name      string  `json:"name"`
	Game      string  `json:"game"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	Dimension string  `json:"dimension,omitempty"`
	WorldID   string  `json:"world_id,omitempty"`
	Deafened  bool    `json:"deafened,omitempty"`
}

// PlayerData is a list of player states, used both for game-state ingestion
// and for the relay's broadcast of peer positions to clients.
type PlayerData struct {
	Players []playerstate.PlayerState
}

// ChannelEvent reports a membership change on a voice channel.
type ChannelEvent struct {
	Event   ChannelEventKind
	Name    string
	Channel string
}

// Hello is the first packet a client sends after connecting; it names the
// player and declares the protocol version it speaks.
type Hello struct {
	Name            string
	ProtocolVersion string
}

// Ping/Pong implement the health-monitor sub-protocol.
type Ping struct{ Ts int64 }
type Pong struct{ Ts int64 }

// Packet is a decoded wire packet: the sender's envelope plus exactly one
// populated body field.
type Packet struct {
	Owner Owner
	Type  Type

	Audio   *AudioFrame
	Players *PlayerData
	Channel *ChannelEvent
	Hello   *Hello
	Ping    *Ping
	Pong    *Pong
}

// ShouldBroadcast is a wire-level hint only; fan-out logic is
// authoritative and must not consult this flag to decide whether to
// deliver an AudioFrame.
func (p Packet) ShouldBroadcast() bool {
	switch p.Type {
	case TypeAudioFrame:
		return false
	case TypePlayerData, TypeChannelEvent, TypeHello:
		return true
	default:
		return false
	}
}

func dimPtr(d playerstate.Dimension) *playerstate.Dimension { return &d }

func gameContextFromLegacy(lp legacyPlayer) playerstate.GameContext {
	dim := dimensionFromString(lp.Dimension)
	return playerstate.GameContext{Dimension: dim}
}

func dimensionFromString(s string) playerstate.Dimension {
	switch s {
	case "nether":
		return playerstate.DimNether
	case "end":
		return playerstate.DimEnd
	default:
		return playerstate.DimOverworld
	}
}

func toWirePlayer(p playerstate.PlayerState) wirePlayer {
	return wirePlayer{
		Name:      p.Name,
		Game:      p.Game.String(),
		X:         p.Coordinate.X,
		Y:         p.Coordinate.Y,
		Z:         p.Coordinate.Z,
		Yaw:       p.Orientation.Yaw,
		Pitch:     p.Orientation.Pitch,
		Dimension: p.Context.Dimension.String(),
		WorldID:   p.Context.WorldID,
		Deafened:  p.Deafened,
	}
}

func fromWirePlayer(w wirePlayer) (playerstate.PlayerState, bool) {
	kind, ok := playerstate.ParseGameKind(w.Game)
	if !ok {
		return playerstate.PlayerState{}, false
	}
	return playerstate.PlayerState{
		Name:       w.Name,
		Coordinate: playerstate.Coordinate{X: w.X, Y: w.Y, Z: w.Z},
		Orientation: playerstate.Orientation{Yaw: w.Yaw, Pitch: w.Pitch},
		Game:       kind,
		Context: playerstate.GameContext{
			Dimension: dimensionFromString(w.Dimension),
			HasWorld:  w.WorldID != "",
			WorldID:   w.WorldID,
		},
		Deafened: w.Deafened,
	}, true
}

// --- AudioFrame binary codec ---
//
// flags byte bits: 0=coordinate present, 1=orientation present,
// 2=dimension present, 3=spatial present, 4=spatial value.

func encodeAudioFrame(a *AudioFrame) []byte {
	var flags byte
	if a.Coordinate != nil {
		flags |= 1 << 0
	}
	if a.Orientation != nil {
		flags |= 1 << 1
	}
	if a.Dimension != nil {
		flags |= 1 << 2
	}
	if a.Spatial != nil {
		flags |= 1 << 3
		if *a.Spatial {
			flags |= 1 << 4
		}
	}

	buf := make([]byte, 0, 1+4+2+12+8+1+4+len(a.Data))
	buf = append(buf, flags)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], a.SampleRate)
	buf = append(buf, tmp[:]...)
	var seqb [2]byte
	binary.BigEndian.PutUint16(seqb[:], a.Seq)
	buf = append(buf, seqb[:]...)
	if a.Coordinate != nil {
		buf = appendFloat32(buf, a.Coordinate.X)
		buf = appendFloat32(buf, a.Coordinate.Y)
		buf = appendFloat32(buf, a.Coordinate.Z)
	}
	if a.Orientation != nil {
		buf = appendFloat32(buf, a.Orientation.Yaw)
		buf = appendFloat32(buf, a.Orientation.Pitch)
	}
	if a.Dimension != nil {
		buf = append(buf, byte(*a.Dimension))
	}
	var dlen [4]byte
	binary.BigEndian.PutUint32(dlen[:], uint32(len(a.Data)))
	buf = append(buf, dlen[:]...)
	buf = append(buf, a.Data...)
	return buf
}

func decodeAudioFrame(b []byte) (*AudioFrame, error) {
	if len(b) < 1+4+2 {
		return nil, fmt.Errorf("wire: audio frame too short")
	}
	flags := b[0]
	b = b[1:]
	a := &AudioFrame{}
	a.SampleRate = binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	a.Seq = binary.BigEndian.Uint16(b[:2])
	b = b[2:]

	if flags&(1<<0) != 0 {
		if len(b) < 12 {
			return nil, fmt.Errorf("wire: truncated coordinate")
		}
		a.Coordinate = &playerstate.Coordinate{X: readFloat32(b), Y: readFloat32(b[4:]), Z: readFloat32(b[8:])}
		b = b[12:]
	}
	if flags&(1<<1) != 0 {
		if len(b) < 8 {
			return nil, fmt.Errorf("wire: truncated orientation")
		}
		a.Orientation = &playerstate.Orientation{Yaw: readFloat32(b), Pitch: readFloat32(b[4:])}
		b = b[8:]
	}
	if flags&(1<<2) != 0 {
		if len(b) < 1 {
			return nil, fmt.Errorf("wire: truncated dimension")
		}
		a.Dimension = dimPtr(playerstate.Dimension(b[0]))
		b = b[1:]
	}
	if flags&(1<<3) != 0 {
		v := flags&(1<<4) != 0
		a.Spatial = &v
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: missing opus length")
	}
	dlen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < dlen {
		return nil, fmt.Errorf("wire: truncated opus payload")
	}
	a.Data = append([]byte(nil), b[:dlen]...)
	return a, nil
}

func appendFloat32(buf []byte, f float32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], math.Float32bits(f))
	return append(buf, tmp[:]...)
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b[:4]))
}

// --- envelope + framing ---

type wireEnvelope struct {
	Type    Type              `json:"type"`
	Owner   Owner             `json:"-"`
	Name    string            `json:"name"`
	ClientID []byte           `json:"client_id,omitempty"`
	Players []wirePlayer      `json:"players,omitempty"`
	Legacy  []legacyPlayer    `json:"legacy_players,omitempty"`
	Event   ChannelEventKind  `json:"event,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Hello   string            `json:"hello_name,omitempty"`
	Version string            `json:"version,omitempty"`
	Ts      int64             `json:"ts,omitempty"`
}

// Encode serialises a Packet into a framed wire message.
func Encode(owner Owner, p Packet) ([]byte, error) {
	var payload []byte
	switch {
	case p.Audio != nil:
		payload = append([]byte{byte(TypeAudioFrame)}, encodeAudioFrame(p.Audio)...)
	case p.Players != nil:
		wp := make([]wirePlayer, 0, len(p.Players.Players))
		for _, pl := range p.Players.Players {
			wp = append(wp, toWirePlayer(pl))
		}
		env := wireEnvelope{Type: TypePlayerData, Name: owner.Name, ClientID: owner.ClientID, Players: wp}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal player data: %w", err)
		}
		payload = append([]byte{byte(TypePlayerData)}, b...)
	case p.Channel != nil:
		env := wireEnvelope{Type: TypeChannelEvent, Name: owner.Name, ClientID: owner.ClientID, Event: p.Channel.Event, Channel: p.Channel.Channel, Hello: p.Channel.Name}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal channel event: %w", err)
		}
		payload = append([]byte{byte(TypeChannelEvent)}, b...)
	case p.Hello != nil:
		env := wireEnvelope{Type: TypeHello, Name: owner.Name, ClientID: owner.ClientID, Hello: p.Hello.Name, Version: p.Hello.ProtocolVersion}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal hello: %w", err)
		}
		payload = append([]byte{byte(TypeHello)}, b...)
	case p.Ping != nil:
		env := wireEnvelope{Type: TypePing, Name: owner.Name, ClientID: owner.ClientID, Ts: p.Ping.Ts}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal ping: %w", err)
		}
		payload = append([]byte{byte(TypePing)}, b...)
	case p.Pong != nil:
		env := wireEnvelope{Type: TypePong, Name: owner.Name, ClientID: owner.ClientID, Ts: p.Pong.Ts}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal pong: %w", err)
		}
		payload = append([]byte{byte(TypePong)}, b...)
	default:
		return nil, fmt.Errorf("wire: empty packet body")
	}

	out := make([]byte, 0, HeaderLen+len(payload))
	out = append(out, Magic[:]...)
	var lenb [8]byte
	binary.BigEndian.PutUint64(lenb[:], uint64(len(payload)))
	out = append(out, lenb[:]...)
	out = append(out, payload...)
	return out, nil
}

// Write frames and writes a packet to w.
func Write(w io.Writer, owner Owner, p Packet) error {
	b, err := Encode(owner, p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Reader decodes framed packets from a byte stream, resynchronizing on the
// magic sequence if the stream is ever misaligned. Not safe for
// concurrent use.
type Reader struct {
	br      *bufio.Reader
	onResync func()
}

// NewReader wraps r. onResync, if non-nil, is called each time a resync is
// performed (the caller typically logs it).
func NewReader(r io.Reader, onResync func()) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), onResync: onResync}
}

// ReadPacket reads and decodes the next framed packet, skipping bytes until
// Magic reappears if the stream is misaligned. Returns io.EOF when the
// underlying reader is exhausted cleanly.
func (rd *Reader) ReadPacket() (Packet, error) {
	for {
		if err := rd.syncToMagic(); err != nil {
			return Packet{}, err
		}

		var lenb [8]byte
		if _, err := io.ReadFull(rd.br, lenb[:]); err != nil {
			return Packet{}, err
		}
		n := binary.BigEndian.Uint64(lenb[:])
		if n > MaxPayloadLen {
			if rd.onResync != nil {
				rd.onResync()
			}
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(rd.br, payload); err != nil {
			return Packet{}, err
		}

		pkt, err := decodePayload(payload)
		if err != nil {
			// Frame-parse failure: log (via caller) and keep reading; the
			// stream is still aligned since we consumed exactly n bytes.
			if rd.onResync != nil {
				rd.onResync()
			}
			continue
		}
		return pkt, nil
	}
}

// syncToMagic discards bytes until the next Magic sequence is at the front
// of the stream.
func (rd *Reader) syncToMagic() error {
	var window [len(Magic)]byte
	if _, err := io.ReadFull(rd.br, window[:]); err != nil {
		return err
	}
	resynced := false
	for window != Magic {
		resynced = true
		b, err := rd.br.ReadByte()
		if err != nil {
			return err
		}
		copy(window[:], window[1:])
		window[len(window)-1] = b
	}
	if resynced && rd.onResync != nil {
		rd.onResync()
	}
	return nil
}

func decodePayload(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, fmt.Errorf("wire: empty payload")
	}
	typ := Type(b[0])
	body := b[1:]

	switch typ {
	case TypeAudioFrame:
		af, err := decodeAudioFrame(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Type: typ, Audio: af}, nil
	case TypePlayerData:
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Packet{}, fmt.Errorf("wire: decode player data: %w", err)
		}
		players := make([]playerstate.PlayerState, 0, len(env.Players))
		for _, wp := range env.Players {
			if ps, ok := fromWirePlayer(wp); ok {
				players = append(players, ps)
			}
		}
		for _, lp := range env.Legacy {
			ps := playerstate.PlayerState{
				Name:       lp.Name,
				Coordinate: playerstate.Coordinate{X: lp.X, Y: lp.Y, Z: lp.Z},
				Orientation: playerstate.Orientation{Yaw: lp.Yaw, Pitch: lp.Pitch},
				Game:       playerstate.GameMinecraft,
				Context:    gameContextFromLegacy(lp),
				Deafened:   lp.Deafened,
			}
			players = append(players, ps)
		}
		return Packet{
			Owner:   Owner{Name: env.Name, ClientID: env.ClientID},
			Type:    typ,
			Players: &PlayerData{Players: players},
		}, nil
	case TypeChannelEvent:
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Packet{}, fmt.Errorf("wire: decode channel event: %w", err)
		}
		return Packet{
			Owner:   Owner{Name: env.Name, ClientID: env.ClientID},
			Type:    typ,
			Channel: &ChannelEvent{Event: env.Event, Name: env.Hello, Channel: env.Channel},
		}, nil
	case TypeHello:
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Packet{}, fmt.Errorf("wire: decode hello: %w", err)
		}
		return Packet{
			Owner: Owner{Name: env.Name, ClientID: env.ClientID},
			Type:  typ,
			Hello: &Hello{Name: env.Hello, ProtocolVersion: env.Version},
		}, nil
	case TypePing:
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Packet{}, fmt.Errorf("wire: decode ping: %w", err)
		}
		return Packet{Owner: Owner{Name: env.Name, ClientID: env.ClientID}, Type: typ, Ping: &Ping{Ts: env.Ts}}, nil
	case TypePong:
		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Packet{}, fmt.Errorf("wire: decode pong: %w", err)
		}
		return Packet{Owner: Owner{Name: env.Name, ClientID: env.ClientID}, Type: typ, Pong: &Pong{Ts: env.Ts}}, nil
	default:
		return Packet{}, fmt.Errorf("wire: unknown packet type %d", typ)
	}
}

// MajorVersionCompatible reports whether two semver-ish version strings
// ("1.3.0") share a major version. Peers with incompatible major versions
// must close the connection.
func MajorVersionCompatible(a, b string) bool {
	return major(a) == major(b) && major(a) != ""
}

func major(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			return v[:i]
		}
	}
	return v
}
