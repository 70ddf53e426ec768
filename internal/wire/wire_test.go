package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearcast/internal/playerstate"
)

func roundTrip(t *testing.T, owner Owner, p Packet) Packet {
	t.Helper()
	raw, err := Encode(owner, p)
	require.NoError(t, err)
	r := NewReader(bytes.NewReader(raw), nil)
	got, err := r.ReadPacket()
	require.NoError(t, err)
	return got
}

func TestAudioFrameRoundTripMinimal(t *testing.T) {
	p := Packet{Type: TypeAudioFrame, Audio: &AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 48000, Seq: 42}}
	got := roundTrip(t, Owner{Name: "steve"}, p)
	require.NotNil(t, got.Audio)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Audio.Data)
	assert.EqualValues(t, 48000, got.Audio.SampleRate)
	assert.EqualValues(t, 42, got.Audio.Seq)
	assert.Nil(t, got.Audio.Coordinate)
}

func TestAudioFrameRoundTripWithPosition(t *testing.T) {
	coord := playerstate.Coordinate{X: 1.5, Y: -2.25, Z: 3}
	orient := playerstate.Orientation{Yaw: 90, Pitch: -10}
	dim := playerstate.DimNether
	spatial := true
	p := Packet{Type: TypeAudioFrame, Audio: &AudioFrame{
		Data: []byte{9, 9}, SampleRate: 24000, Seq: 7,
		Coordinate: &coord, Orientation: &orient, Dimension: &dim, Spatial: &spatial,
	}}
	got := roundTrip(t, Owner{Name: "a"}, p)
	require.NotNil(t, got.Audio.Coordinate)
	assert.Equal(t, coord, *got.Audio.Coordinate)
	require.NotNil(t, got.Audio.Orientation)
	assert.Equal(t, orient, *got.Audio.Orientation)
	require.NotNil(t, got.Audio.Dimension)
	assert.Equal(t, dim, *got.Audio.Dimension)
	require.NotNil(t, got.Audio.Spatial)
	assert.True(t, *got.Audio.Spatial)
}

func TestPlayerDataRoundTrip(t *testing.T) {
	p := Packet{Type: TypePlayerData, Players: &PlayerData{Players: []playerstate.PlayerState{
		{Name: "Steve", Game: playerstate.GameMinecraft, Coordinate: playerstate.Coordinate{X: 1, Y: 2, Z: 3}},
	}}}
	got := roundTrip(t, Owner{Name: "game"}, p)
	require.NotNil(t, got.Players)
	require.Len(t, got.Players.Players, 1)
	assert.Equal(t, "Steve", got.Players.Players[0].Name)
	assert.Equal(t, "game", got.Owner.Name)
}

func TestChannelEventRoundTrip(t *testing.T) {
	p := Packet{Type: TypeChannelEvent, Channel: &ChannelEvent{Event: ChannelJoin, Name: "Steve", Channel: "party-1"}}
	got := roundTrip(t, Owner{Name: "Steve"}, p)
	require.NotNil(t, got.Channel)
	assert.Equal(t, ChannelJoin, got.Channel.Event)
	assert.Equal(t, "party-1", got.Channel.Channel)
}

func TestHelloRoundTrip(t *testing.T) {
	p := Packet{Type: TypeHello, Hello: &Hello{Name: "Steve", ProtocolVersion: "1.3.0"}}
	got := roundTrip(t, Owner{Name: "Steve"}, p)
	require.NotNil(t, got.Hello)
	assert.Equal(t, "Steve", got.Hello.Name)
	assert.Equal(t, "1.3.0", got.Hello.ProtocolVersion)
}

func TestPingPongRoundTrip(t *testing.T) {
	got := roundTrip(t, Owner{Name: "a"}, Packet{Type: TypePing, Ping: &Ping{Ts: 123}})
	require.NotNil(t, got.Ping)
	assert.EqualValues(t, 123, got.Ping.Ts)

	got = roundTrip(t, Owner{Name: "a"}, Packet{Type: TypePong, Pong: &Pong{Ts: 456}})
	require.NotNil(t, got.Pong)
	assert.EqualValues(t, 456, got.Pong.Ts)
}

func TestReaderResyncsOnGarbagePrefix(t *testing.T) {
	p := Packet{Type: TypeHello, Hello: &Hello{Name: "Steve", ProtocolVersion: "1.3.0"}}
	raw, err := Encode(Owner{Name: "Steve"}, p)
	require.NoError(t, err)

	garbage := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, raw...)
	resyncs := 0
	r := NewReader(bytes.NewReader(garbage), func() { resyncs++ })

	got, err := r.ReadPacket()
	require.NoError(t, err)
	require.NotNil(t, got.Hello)
	assert.Equal(t, "Steve", got.Hello.Name)
	assert.Equal(t, 1, resyncs)
}

func TestReaderSkipsCorruptPayloadAndKeepsReading(t *testing.T) {
	bad, err := Encode(Owner{Name: "a"}, Packet{Type: TypeHello, Hello: &Hello{Name: "a", ProtocolVersion: "1.0"}})
	require.NoError(t, err)
	bad[len(bad)-1] = 0xFF // corrupt the JSON payload's closing brace

	good, err := Encode(Owner{Name: "b"}, Packet{Type: TypeHello, Hello: &Hello{Name: "b", ProtocolVersion: "1.0"}})
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(append(bad, good...)), nil)
	got, err := r.ReadPacket()
	require.NoError(t, err)
	require.NotNil(t, got.Hello)
	assert.Equal(t, "b", got.Hello.Name, "corrupt first packet must be skipped, not fatal")
}

func TestMajorVersionCompatible(t *testing.T) {
	assert.True(t, MajorVersionCompatible("1.3.0", "1.0.0"))
	assert.False(t, MajorVersionCompatible("1.3.0", "2.0.0"))
	assert.False(t, MajorVersionCompatible("", "1.0.0"))
}

func TestPlayerDataMapsLegacyFlatPlayerToMinecraftVariant(t *testing.T) {
	body := []byte(`{"type":2,"name":"game","legacy_players":[` +
		`{"name":"Steve","x":1,"y":2,"z":3,"yaw":90,"pitch":0,"dimension":"nether","deafened":true}` +
		`]}`)
	payload := append([]byte{byte(TypePlayerData)}, body...)

	got, err := decodePayload(payload)
	require.NoError(t, err)
	require.Len(t, got.Players.Players, 1)
	p := got.Players.Players[0]
	assert.Equal(t, "Steve", p.Name)
	assert.Equal(t, playerstate.GameMinecraft, p.Game)
	assert.Equal(t, playerstate.DimNether, p.Context.Dimension)
	assert.Equal(t, playerstate.Coordinate{X: 1, Y: 2, Z: 3}, p.Coordinate)
	assert.True(t, p.Deafened)
}

func TestPlayerDataDropsUnknownGameTag(t *testing.T) {
	body := []byte(`{"type":2,"name":"game","players":[` +
		`{"name":"Steve","game":"minecraft"},` +
		`{"name":"Mystery","game":"roblox"}` +
		`]}`)
	payload := append([]byte{byte(TypePlayerData)}, body...)

	got, err := decodePayload(payload)
	require.NoError(t, err)
	require.Len(t, got.Players.Players, 1, "the unknown-game-tag record must be dropped, not error the whole batch")
	assert.Equal(t, "Steve", got.Players.Players[0].Name)
}

func TestShouldBroadcast(t *testing.T) {
	assert.False(t, Packet{Type: TypeAudioFrame}.ShouldBroadcast())
	assert.True(t, Packet{Type: TypeHello}.ShouldBroadcast())
	assert.True(t, Packet{Type: TypePlayerData}.ShouldBroadcast())
	assert.True(t, Packet{Type: TypeChannelEvent}.ShouldBroadcast())
	assert.False(t, Packet{Type: TypePing}.ShouldBroadcast())
}
