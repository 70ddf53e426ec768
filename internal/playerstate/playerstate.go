// Package playerstate models a player's position and game context as seen
// by the relay, and the audibility rules used to decide whether one player
// can hear another.
package playerstate

import (
	"math"
	"strings"
	"time"
)

// TTL is how long a PlayerState may go without an update before it expires
// from the position cache.
const TTL = 5 * time.Minute

// Coordinate is a world-space position in meters.
type Coordinate struct {
	X, Y, Z float32
}

// Distance returns the 3D Euclidean distance between two coordinates.
func (c Coordinate) Distance(o Coordinate) float32 {
	dx := float64(c.X - o.X)
	dy := float64(c.Y - o.Y)
	dz := float64(c.Z - o.Z)
	return float32(math.Sqrt(dx*dx + dy*dy + dz*dz))
}

// Orientation is yaw/pitch in degrees.
type Orientation struct {
	Yaw, Pitch float32
}

// GameKind tags which game a player's context belongs to.
type GameKind uint8

const (
	GameGeneric GameKind = iota
	GameMinecraft
	GameHytale
)

// String implements fmt.Stringer for logging.
func (g GameKind) String() string {
	switch g {
	case GameMinecraft:
		return "minecraft"
	case GameHytale:
		return "hytale"
	default:
		return "generic"
	}
}

// ParseGameKind maps a case-insensitive game tag string to a GameKind.
// Unknown tags map to (GameGeneric, false) so callers can log and drop
// the record.
func ParseGameKind(s string) (GameKind, bool) {
	switch strings.ToLower(s) {
	case "minecraft":
		return GameMinecraft, true
	case "hytale":
		return GameHytale, true
	case "generic", "":
		return GameGeneric, true
	default:
		return GameGeneric, false
	}
}

// Dimension is a Minecraft-style dimension enum; also reused verbatim by
// Hytale contexts since both games partition worlds the same way.
type Dimension uint8

const (
	DimOverworld Dimension = iota
	DimNether
	DimEnd
)

func (d Dimension) String() string {
	switch d {
	case DimNether:
		return "nether"
	case DimEnd:
		return "end"
	default:
		return "overworld"
	}
}

// GameContext carries the game-specific fields of a PlayerState. Only the
// fields relevant to Game are meaningful; this is the tagged-sum the design
// notes call for, implemented as a flat struct with a discriminant instead
// of heap-allocated interface values (no dynamic dispatch is needed for the
// handful of CanHear rules).
type GameContext struct {
	Dimension Dimension // Minecraft, Hytale
	HasWorld  bool      // Hytale only
	WorldID   string    // Hytale only
}

// PlayerState is the canonical, in-memory representation of one known
// player. Name is the key: at most one entry per name, updates overwrite
// in place.
type PlayerState struct {
	Name        string
	ClientID    []byte
	Coordinate  Coordinate
	Orientation Orientation
	Game        GameKind
	Context     GameContext
	Deafened    bool
	LastSeen    time.Time
}

// Expired reports whether p has been silent for longer than TTL as of now.
func (p PlayerState) Expired(now time.Time) bool {
	return now.Sub(p.LastSeen) > TTL
}

// AudibilityParams bundles the relay's tunable audible-range knobs.
type AudibilityParams struct {
	BroadcastRangeM   float32
	CrouchMultiplier  float32
	WhisperMultiplier float32
}

// DefaultAudibilityParams returns the shipped defaults.
func DefaultAudibilityParams() AudibilityParams {
	return AudibilityParams{
		BroadcastRangeM:   32,
		CrouchMultiplier:  1.0,
		WhisperMultiplier: 0.5,
	}
}

// minecraftRangeMultiplier widens the Minecraft audible range to approximate
// the game's larger, non-cubic render/hearing volume (broadcast_range * sqrt(3)).
const minecraftRangeMultiplier = 1.73

// CanHear implements the audibility predicate for one (sender, recipient)
// pair, given the pair's shared channel membership and the effective range
// after crouch/whisper multipliers have already been applied by the
// caller.
//
// Self-echo and deafened-recipient filtering are the caller's
// responsibility since they require connection-level state this package
// doesn't hold; CanHear covers game match, channel override, and the
// game-specific spatial check.
func CanHear(sender, recipient PlayerState, sameChannel bool, effectiveRange float32) bool {
	if recipient.Game != sender.Game {
		return false
	}
	if sameChannel {
		return true
	}

	switch sender.Game {
	case GameMinecraft:
		if sender.Context.Dimension != recipient.Context.Dimension {
			return false
		}
		return sender.Coordinate.Distance(recipient.Coordinate) <= effectiveRange*minecraftRangeMultiplier
	case GameHytale:
		if sender.Context.HasWorld && recipient.Context.HasWorld && sender.Context.WorldID != recipient.Context.WorldID {
			return false
		}
		if sender.Context.Dimension != recipient.Context.Dimension {
			return false
		}
		return sender.Coordinate.Distance(recipient.Coordinate) <= effectiveRange
	default: // GameGeneric
		return sender.Coordinate.Distance(recipient.Coordinate) <= effectiveRange
	}
}

// EffectiveRange applies crouch/whisper multipliers (at most one is active
// at a time; crouch takes priority if both flags are somehow set) to the
// base broadcast range.
func EffectiveRange(p AudibilityParams, crouching, whispering bool) float32 {
	switch {
	case crouching:
		return p.BroadcastRangeM * p.CrouchMultiplier
	case whispering:
		return p.BroadcastRangeM * p.WhisperMultiplier
	default:
		return p.BroadcastRangeM
	}
}
