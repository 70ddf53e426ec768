// Command nearcast-client dials the relay over mutually-authenticated
// QUIC, captures and transmits the local player's voice, and plays back
// every audible remote speaker through the jitter-buffer/spatial pipeline.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"nearcast/client/internal/capture"
	"nearcast/client/internal/config"
	"nearcast/client/internal/jitterbuf"
	"nearcast/client/internal/testbot"
	"nearcast/client/internal/transport"
	"nearcast/internal/playerstate"
	"nearcast/internal/telemetry"
	"nearcast/internal/wire"
	"nearcast/internal/tlsconf"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "client")

	fs := pflag.NewFlagSet("nearcast-client", pflag.ExitOnError)
	configPath := fs.String("config", "nearcast-client.yaml", "path to YAML config file")
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Error("parse flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.PlayerName == "" {
		log.Error("player name is required (set player_name in the config file or pass --name)")
		os.Exit(2)
	}

	tlsCfg, err := loadClientTLS(cfg)
	if err != nil {
		log.Error("load TLS material", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	jitterMetrics := telemetry.NewJitterMetrics(reg)

	client := transport.NewClient(cfg.ServerAddr, cfg.PlayerName, tlsCfg, log.With("component", "transport"))

	manager := jitterbuf.NewManager(cfg.SampleRate, cfg.Jitter, jitterMetrics, cfg.SpatialAudio)
	manager.Run()
	defer manager.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go client.Run(ctx)

	if cfg.TestbotEnabled {
		bot := testbot.New(testbot.Config{
			Name:        cfg.PlayerName,
			Game:        cfg.TestbotGame,
			Dimension:   cfg.TestbotDimension,
			SampleRate:  cfg.SampleRate,
			BitrateBps:  cfg.BitrateBps,
			IngestAddr:  cfg.TestbotIngestAddr,
			AccessToken: cfg.TestbotAccessToken,
		}, client, log.With("component", "testbot"))
		go func() {
			if err := bot.Run(ctx); err != nil {
				log.Error("testbot exited", "error", err)
			}
		}()
	} else {
		capEngine, err := capture.New(cfg.SampleRate, cfg.BitrateBps, log.With("component", "capture"))
		if err != nil {
			log.Error("init capture engine", "error", err)
			os.Exit(1)
		}
		capEngine.SetOpenMic(cfg.OpenMic)
		capEngine.SetPTTMode(cfg.PTTEnabled)
		capEngine.SetAGCEnabled(cfg.AGCEnabled)
		capEngine.SetAGCTargetLevel(cfg.AGCTargetLevel)
		capEngine.SetNoiseGateEnabled(cfg.NoiseGateEnabled)
		if err := capEngine.Start(cfg.InputDeviceID); err != nil {
			log.Error("start capture", "error", err)
			os.Exit(1)
		}
		defer capEngine.Stop()
		go runTransmitLoop(ctx, client, capEngine, cfg.SampleRate, log)
	}

	go runReceiveLoop(ctx, client, manager, cfg.PlayerName, log)
	go runHealthLog(ctx, client, log)
	go telemetry.StartPeriodicReport(30*time.Second, ctx.Done(), log.With("component", "jitterbuf"), manager.Report)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server exited", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	client.Close()
}

func runTransmitLoop(ctx context.Context, client *transport.Client, cap *capture.Engine, sampleRate int, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-cap.Frames():
			if !ok {
				return
			}
			audio := capture.ToAudioFrame(frame, sampleRate)
			if err := client.Send(wire.Packet{Type: wire.TypeAudioFrame, Audio: &audio}); err != nil {
				log.Debug("send audio frame failed", "error", err)
			}
		}
	}
}

func runReceiveLoop(ctx context.Context, client *transport.Client, manager *jitterbuf.Manager, localName string, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-client.Packets():
			if !ok {
				return
			}
			switch pkt.Type {
			case wire.TypeAudioFrame:
				if pkt.Audio == nil {
					continue
				}
				if err := manager.Push(pkt.Owner.Name, uint32(pkt.Audio.Seq), pkt.Audio.Data, pkt.Audio.Coordinate, time.Now()); err != nil {
					log.Debug("jitter buffer push failed", "sender", pkt.Owner.Name, "error", err)
				}
			case wire.TypePlayerData:
				if pkt.Players == nil {
					continue
				}
				updateListener(manager, localName, pkt.Players.Players)
			}
		}
	}
}

// updateListener looks for the local player's own position in a broadcast
// PlayerData batch and refreshes the spatial listener pose. The relay
// broadcasts every ingested position, including the local player's own.
func updateListener(manager *jitterbuf.Manager, localName string, players []playerstate.PlayerState) {
	for _, p := range players {
		if p.Name == localName {
			manager.UpdateListener(p.Coordinate, p.Orientation.Yaw)
			return
		}
	}
}

func runHealthLog(ctx context.Context, client *transport.Client, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-client.Health():
			if !ok {
				return
			}
			log.Info("connection health", "state", h.State, "attempt", h.Attempt, "error", h.Err)
		}
	}
}

func loadClientTLS(cfg config.Config) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert: no valid certificates found in %s", cfg.CACertPath)
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	serverName := cfg.ServerAddr
	if host, _, err := net.SplitHostPort(cfg.ServerAddr); err == nil {
		serverName = host
	}
	return tlsconf.ClientConfig(cert, pool, serverName), nil
}
