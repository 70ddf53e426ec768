package playerstate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"nearcast/internal/playerstate"
)

func TestParseGameKind(t *testing.T) {
	cases := []struct {
		in   string
		want playerstate.GameKind
		ok   bool
	}{
		{"Minecraft", playerstate.GameMinecraft, true},
		{"HYTALE", playerstate.GameHytale, true},
		{"generic", playerstate.GameGeneric, true},
		{"", playerstate.GameGeneric, true},
		{"roblox", playerstate.GameGeneric, false},
	}
	for _, c := range cases {
		got, ok := playerstate.ParseGameKind(c.in)
		assert.Equal(t, c.want, got, c.in)
		assert.Equal(t, c.ok, ok, c.in)
	}
}

func TestDimensionString(t *testing.T) {
	assert.Equal(t, "overworld", playerstate.DimOverworld.String())
	assert.Equal(t, "nether", playerstate.DimNether.String())
	assert.Equal(t, "end", playerstate.DimEnd.String())
}

func TestExpired(t *testing.T) {
	now := time.Now()
	fresh := playerstate.PlayerState{LastSeen: now.Add(-time.Minute)}
	stale := playerstate.PlayerState{LastSeen: now.Add(-10 * time.Minute)}
	assert.False(t, fresh.Expired(now))
	assert.True(t, stale.Expired(now))
}

func TestEffectiveRange(t *testing.T) {
	params := playerstate.DefaultAudibilityParams()
	assert.Equal(t, params.BroadcastRangeM, playerstate.EffectiveRange(params, false, false))
	assert.Equal(t, params.BroadcastRangeM*params.CrouchMultiplier, playerstate.EffectiveRange(params, true, false))
	assert.Equal(t, params.BroadcastRangeM*params.WhisperMultiplier, playerstate.EffectiveRange(params, false, true))
	// crouch takes priority when both are set
	assert.Equal(t, params.BroadcastRangeM*params.CrouchMultiplier, playerstate.EffectiveRange(params, true, true))
}

func TestCanHearDifferentGamesNeverAudible(t *testing.T) {
	sender := playerstate.PlayerState{Game: playerstate.GameMinecraft}
	recipient := playerstate.PlayerState{Game: playerstate.GameHytale}
	assert.False(t, playerstate.CanHear(sender, recipient, false, 1000))
}

func TestCanHearSameChannelOverridesSpatialCheck(t *testing.T) {
	sender := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimOverworld},
	}
	recipient := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 10000, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimNether},
	}
	assert.False(t, playerstate.CanHear(sender, recipient, false, 32), "far apart, different dimension, no shared channel")
	assert.True(t, playerstate.CanHear(sender, recipient, true, 32), "shared channel bypasses distance and dimension checks")
}

func TestCanHearMinecraftDimensionGate(t *testing.T) {
	sender := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimOverworld},
	}
	recipient := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 1, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimNether},
	}
	assert.False(t, playerstate.CanHear(sender, recipient, false, 32), "same spot, different dimension is never audible")
}

func TestCanHearMinecraftRangeAppliesSqrt3Widening(t *testing.T) {
	sender := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimOverworld},
	}
	// 40m apart: inside widened range (32*1.73≈55.4m) but outside the raw 32m range.
	recipient := playerstate.PlayerState{
		Game:       playerstate.GameMinecraft,
		Coordinate: playerstate.Coordinate{X: 40, Y: 0, Z: 0},
		Context:    playerstate.GameContext{Dimension: playerstate.DimOverworld},
	}
	assert.True(t, playerstate.CanHear(sender, recipient, false, 32))
}

func TestCanHearHytaleWorldIDGate(t *testing.T) {
	sender := playerstate.PlayerState{
		Game:       playerstate.GameHytale,
		Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0},
		Context:    playerstate.GameContext{HasWorld: true, WorldID: "overworld-1"},
	}
	recipientSameWorld := playerstate.PlayerState{
		Game:       playerstate.GameHytale,
		Coordinate: playerstate.Coordinate{X: 1, Y: 0, Z: 0},
		Context:    playerstate.GameContext{HasWorld: true, WorldID: "overworld-1"},
	}
	recipientOtherWorld := playerstate.PlayerState{
		Game:       playerstate.GameHytale,
		Coordinate: playerstate.Coordinate{X: 1, Y: 0, Z: 0},
		Context:    playerstate.GameContext{HasWorld: true, WorldID: "overworld-2"},
	}
	assert.True(t, playerstate.CanHear(sender, recipientSameWorld, false, 32))
	assert.False(t, playerstate.CanHear(sender, recipientOtherWorld, false, 32))
}

func TestCanHearHytaleMissingWorldIDDoesNotGate(t *testing.T) {
	sender := playerstate.PlayerState{
		Game:       playerstate.GameHytale,
		Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0},
	}
	recipient := playerstate.PlayerState{
		Game:       playerstate.GameHytale,
		Coordinate: playerstate.Coordinate{X: 1, Y: 0, Z: 0},
	}
	assert.True(t, playerstate.CanHear(sender, recipient, false, 32), "HasWorld false on either side skips the world-id gate")
}

func TestCanHearGenericUsesPlainDistance(t *testing.T) {
	sender := playerstate.PlayerState{Game: playerstate.GameGeneric, Coordinate: playerstate.Coordinate{X: 0, Y: 0, Z: 0}}
	near := playerstate.PlayerState{Game: playerstate.GameGeneric, Coordinate: playerstate.Coordinate{X: 10, Y: 0, Z: 0}}
	far := playerstate.PlayerState{Game: playerstate.GameGeneric, Coordinate: playerstate.Coordinate{X: 100, Y: 0, Z: 0}}
	assert.True(t, playerstate.CanHear(sender, near, false, 32))
	assert.False(t, playerstate.CanHear(sender, far, false, 32))
}

func TestCoordinateDistance(t *testing.T) {
	a := playerstate.Coordinate{X: 0, Y: 0, Z: 0}
	b := playerstate.Coordinate{X: 3, Y: 4, Z: 0}
	assert.InDelta(t, 5.0, float64(a.Distance(b)), 0.0001)
}
