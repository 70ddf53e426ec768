// Command nearcast-server runs the relay: the QUIC media transport and
// dispatcher, the position-ingestion HTTP edge, and a Prometheus metrics
// endpoint. Flags and a YAML config file configure it.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/spf13/pflag"

	"nearcast/internal/playerstate"
	"nearcast/internal/telemetry"
	"nearcast/server/internal/config"
	"nearcast/server/internal/dispatch"
	"nearcast/server/internal/ingest"
	"nearcast/server/internal/state"
	"nearcast/internal/tlsconf"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "relay")

	fs := pflag.NewFlagSet("nearcast-server", pflag.ExitOnError)
	configPath := fs.String("config", "nearcast-server.yaml", "path to YAML config file")
	certValidity := fs.Duration("cert-validity", 30*24*time.Hour, "self-signed CA/server certificate validity")
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

	ca, err := loadOrCreateCA(cfg, *certValidity, log)
	if err != nil {
		log.Error("CA setup", "error", err)
		os.Exit(1)
	}
	serverCert, err := ca.IssueServerCert(*certValidity, "localhost")
	if err != nil {
		log.Error("issue server cert", "error", err)
		os.Exit(1)
	}
	tlsCfg := tlsconf.ServerConfig(serverCert, ca.Pool())

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewDispatchMetrics(reg)

	positions := state.NewPositionCache()
	channels := state.NewChannelCache()
	registry := state.NewRegistry()

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.Audibility = playerstate.AudibilityParams{
		BroadcastRangeM:   cfg.BroadcastRangeM,
		CrouchMultiplier:  cfg.CrouchMultiplier,
		WhisperMultiplier: cfg.WhisperMultiplier,
	}
	dispatchCfg.DatagramSendCapacity = cfg.DatagramSendCapacity
	dispatchCfg.DatagramRecvCapacity = cfg.DatagramRecvCapacity
	dispatchCfg.ControlRateLimitPerSec = cfg.ControlRateLimitPerSec
	dispatchCfg.ControlRateLimitBurst = cfg.ControlRateLimitBurst

	d := dispatch.New(dispatchCfg, positions, channels, registry, metrics, log.With("component", "dispatch"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runEvictionSweep(ctx, d)
	go runHTTPEdge(ctx, cfg, d, reg, log)

	if err := runQUICListener(ctx, cfg.ListenAddr, tlsCfg, d, log); err != nil && ctx.Err() == nil {
		log.Error("quic listener exited", "error", err)
		os.Exit(1)
	}
}

func runEvictionSweep(ctx context.Context, d *dispatch.Dispatcher) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.EvictExpiredPositions()
		}
	}
}

func runHTTPEdge(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/", ingest.Router(ingest.Config{
		AccessToken: cfg.PositionAccessToken,
		RatePerSec:  cfg.PositionRateLimitPerSec,
		Burst:       cfg.PositionRateLimitBurst,
	}, d, log.With("component", "ingest")))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", "error", err)
		}
	}()
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("position ingest server", "error", err)
	}
}

func runQUICListener(ctx context.Context, addr string, tlsCfg *tls.Config, d *dispatch.Dispatcher, log *slog.Logger) error {
	ln, err := quic.ListenAddr(addr, tlsCfg, &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info("relay listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept connection", "error", err)
			continue
		}
		go handleConn(ctx, conn, d, log)
	}
}

func handleConn(ctx context.Context, conn *quic.Conn, d *dispatch.Dispatcher, log *slog.Logger) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return
	}
	peerCN := tlsconf.PeerCommonName(conn.ConnectionState().TLS)
	if peerCN == "" {
		log.Warn("connection without verified client certificate", "remote", conn.RemoteAddr())
		conn.CloseWithError(1, "client certificate required")
		return
	}

	err = d.HandleConnection(ctx, stream, peerCN, func() {
		conn.CloseWithError(0, "session ended")
	})
	if err != nil {
		log.Debug("connection ended", "player", peerCN, "error", err)
	}
}

func loadOrCreateCA(cfg config.Config, validity time.Duration, log *slog.Logger) (*tlsconf.CA, error) {
	// A production deployment loads a persisted CA; this entry point
	// generates a fresh one on every start for the self-contained dev/test
	// path. Operators wire a persisted CACertPath/CAKeyPath pair by
	// extending this function.
	_ = cfg
	log.Warn("generating an ephemeral CA for this run; client certificates issued against it will not survive a restart")
	return tlsconf.GenerateCA(validity, "nearcast-ca")
}
