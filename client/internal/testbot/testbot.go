// Package testbot drives a synthetic in-game speaker for integration
// testing: a random-walk motion generator posts position updates to the
// relay's position-ingestion edge while a tone generator feeds Opus-encoded
// frames through the same transport a real player uses, exercising the
// audibility predicate and jitter buffer under load without a live game
// or capture device.
package testbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"nearcast/client/internal/encodec"
	"nearcast/client/internal/transport"
	"nearcast/internal/wire"
)

const (
	fieldSize = 2000.0
	minY      = 60.0
	maxY      = 80.0
	toneHz    = 440.0

	// positionEvery is how many 20ms tone frames elapse between position
	// posts (10 frames = 200ms), close enough to a real player's movement
	// cadence to exercise the position cache's TTL logic without flooding
	// the ingestion edge.
	positionEvery = 10
)

// Config configures a synthetic speaker.
type Config struct {
	Name        string
	Game        string // e.g. "minecraft"; empty maps to the generic kind
	Dimension   string
	SampleRate  int
	BitrateBps  int
	IngestAddr  string // base URL of the relay's HTTP ingestion edge
	AccessToken string
}

// motion is a bounded random-walk position generator with occasional
// sharp turns, reflected off the field edges.
type motion struct {
	x, y, z float64
	angle   float64
	speed   float64
}

func newMotion() *motion {
	return &motion{
		x:     rand.Float64() * fieldSize,
		y:     (minY + maxY) / 2,
		z:     rand.Float64() * fieldSize,
		angle: rand.Float64() * 2 * math.Pi,
		speed: 2 + rand.Float64()*3,
	}
}

func (m *motion) step() {
	m.angle += (rand.Float64() - 0.5) * 0.3
	if rand.Float64() < 0.05 {
		m.angle += (rand.Float64() - 0.5) * math.Pi
	}
	m.x += math.Cos(m.angle) * m.speed
	m.z += math.Sin(m.angle) * m.speed

	if m.x < 0 {
		m.x = 0
		m.angle = math.Pi - m.angle
	} else if m.x > fieldSize {
		m.x = fieldSize
		m.angle = math.Pi - m.angle
	}
	if m.z < 0 {
		m.z = 0
		m.angle = -m.angle
	} else if m.z > fieldSize {
		m.z = fieldSize
		m.angle = -m.angle
	}
}

// postBody mirrors server/internal/ingest's unexported wirePlayer JSON
// shape, minus the optional world_id field; the ingestion edge is a stable
// HTTP contract, and Go's internal-package rule keeps server/internal out
// of the client's reach.
type postBody struct {
	Name      string  `json:"name"`
	Game      string  `json:"game"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	Dimension string  `json:"dimension"`
	Deafened  bool    `json:"deafened"`
}

// Bot drives the synthetic speaker's motion and tone loops against a live
// transport.Client and the relay's position-ingestion HTTP edge.
type Bot struct {
	cfg        Config
	client     *transport.Client
	httpClient *http.Client
	log        *slog.Logger
}

// New constructs a Bot. client must already have Run started so tone
// frames sent during Run reach the relay.
func New(cfg Config, client *transport.Client, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{cfg: cfg, client: client, httpClient: &http.Client{Timeout: 5 * time.Second}, log: log}
}

// Run generates a continuous 440Hz tone and a bounded random walk until ctx
// is canceled, sending Opus frames over client and position updates over
// HTTP at the cadence described by positionEvery.
func (b *Bot) Run(ctx context.Context) error {
	enc, err := encodec.NewEncoder(b.cfg.SampleRate, b.cfg.BitrateBps)
	if err != nil {
		return fmt.Errorf("testbot: new encoder: %w", err)
	}

	m := newMotion()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	frameSamples := encodec.SamplesPerFrame(b.cfg.SampleRate)
	pcm := make([]int16, frameSamples)
	opusBuf := make([]byte, encodec.MaxPacketBytes)

	var seq uint16
	var phase float64
	phaseStep := 2 * math.Pi * toneHz / float64(b.cfg.SampleRate)

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for i := range pcm {
			pcm[i] = int16(math.Sin(phase) * 8000)
			phase += phaseStep
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}

		n, err := enc.Encode(pcm, opusBuf)
		if err != nil {
			b.log.Warn("testbot encode failed", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, opusBuf[:n])

		if err := b.client.Send(wire.Packet{
			Type:  wire.TypeAudioFrame,
			Audio: &wire.AudioFrame{Seq: seq, SampleRate: uint32(b.cfg.SampleRate), Data: payload},
		}); err != nil {
			b.log.Debug("testbot send audio failed", "error", err)
		}
		seq++

		if tick%positionEvery == 0 {
			m.step()
			if err := b.postPosition(ctx, m); err != nil {
				b.log.Warn("testbot post position failed", "error", err)
			}
		}
	}
}

func (b *Bot) postPosition(ctx context.Context, m *motion) error {
	raw, err := json.Marshal([]postBody{{
		Name:      b.cfg.Name,
		Game:      b.cfg.Game,
		X:         float32(m.x),
		Y:         float32(m.y),
		Z:         float32(m.z),
		Dimension: b.cfg.Dimension,
	}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.IngestAddr+"/position", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("X-MC-Access-Token", b.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("testbot: position post returned status %d", resp.StatusCode)
	}
	return nil
}
