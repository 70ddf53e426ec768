// Package ingest implements the one HTTP edge the relay's core consumes
// directly: POST /position, the game server's player-position feed.
package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"nearcast/internal/playerstate"
)

// PositionSink receives validated player positions from the ingestion edge.
// server/internal/dispatch.Dispatcher implements this.
type PositionSink interface {
	IngestPlayerData(players []playerstate.PlayerState)
}

// wirePlayer mirrors the canonical tagged-sum JSON shape clients/game
// servers post; legacy flat payloads are accepted by leaving Game empty,
// which ParseGameKind maps to GameGeneric. Callers that need the legacy
// Minecraft-flat mapping should post through the media transport instead,
// where internal/wire already implements it.
type wirePlayer struct {
	Name      string  `json:"name"`
	Game      string  `json:"game"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	Dimension string  `json:"dimension"`
	WorldID   string  `json:"world_id"`
	Deafened  bool    `json:"deafened"`
}

// Config holds the ingestion edge's tunables.
type Config struct {
	AccessToken string

	// RatePerSec and Burst bound how often /position may be posted; the
	// game server is a single trusted caller authenticated by the shared
	// secret, not many untrusted per-IP clients, so one shared token
	// bucket for the whole edge is enough.
	RatePerSec float64
	Burst      int
}

// DefaultConfig returns the edge's rate-limiting defaults: 50 posts/sec
// with a burst of 100, comfortably above a single game server's expected
// per-tick position-batch cadence.
func DefaultConfig() Config {
	return Config{RatePerSec: 50, Burst: 100}
}

// Router builds the chi router serving POST /position. A constant-time
// comparison guards the shared-secret header so response timing can't leak
// the token; a token-bucket
// limiter caps request rate ahead of that check so an unauthenticated
// flood can't be used to brute-force the token via timing either.
func Router(cfg Config, sink PositionSink, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultConfig().RatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/position", func(w http.ResponseWriter, req *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if !validToken(req.Header.Get("X-MC-Access-Token"), cfg.AccessToken) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var body []wirePlayer
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		players := make([]playerstate.PlayerState, 0, len(body))
		for _, wp := range body {
			kind, ok := playerstate.ParseGameKind(wp.Game)
			if !ok {
				log.Warn("position ingest: dropping unknown game tag", "player", wp.Name, "game", wp.Game)
				continue
			}
			players = append(players, playerstate.PlayerState{
				Name:        wp.Name,
				Coordinate:  playerstate.Coordinate{X: wp.X, Y: wp.Y, Z: wp.Z},
				Orientation: playerstate.Orientation{Yaw: wp.Yaw, Pitch: wp.Pitch},
				Game:        kind,
				Context: playerstate.GameContext{
					Dimension: dimensionFromString(wp.Dimension),
					HasWorld:  wp.WorldID != "",
					WorldID:   wp.WorldID,
				},
				Deafened: wp.Deafened,
			})
		}

		sink.IngestPlayerData(players)
		w.WriteHeader(http.StatusOK)
	})
	return r
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

// validToken reports whether got matches want. An empty want rejects every
// request, closing the (mis)configuration gap where a blank access token
// would otherwise authorize anyone.
func validToken(got, want string) bool {
	if want == "" {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := 0; i < len(got); i++ {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}
