// Package config loads the relay's settings from a YAML file, with CLI
// flags overriding file values, per the ambient configuration stack
// (gopkg.in/yaml.v3 + github.com/spf13/pflag) this repo carries regardless
// of which spec features are in scope.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the relay's full runtime configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPAddr   string `yaml:"http_addr"`

	CACertPath     string `yaml:"ca_cert_path"`
	CAKeyPath      string `yaml:"ca_key_path"`
	ServerCertPath string `yaml:"server_cert_path"`
	ServerKeyPath  string `yaml:"server_key_path"`

	PositionAccessToken     string  `yaml:"position_access_token"`
	PositionRateLimitPerSec float64 `yaml:"position_rate_limit_per_sec"`
	PositionRateLimitBurst  int     `yaml:"position_rate_limit_burst"`

	BroadcastRangeM        float32 `yaml:"broadcast_range_m"`
	CrouchMultiplier       float32 `yaml:"crouch_multiplier"`
	WhisperMultiplier      float32 `yaml:"whisper_multiplier"`
	DatagramSendCapacity   int     `yaml:"datagram_send_capacity"`
	DatagramRecvCapacity   int     `yaml:"datagram_recv_capacity"`
	ControlRateLimitPerSec float64 `yaml:"control_rate_limit_per_sec"`
	ControlRateLimitBurst  int     `yaml:"control_rate_limit_burst"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the relay's shipped defaults.
func Default() Config {
	return Config{
		ListenAddr:              ":4433",
		HTTPAddr:                ":8080",
		CACertPath:              "nearcast-ca.crt",
		CAKeyPath:               "nearcast-ca.key",
		BroadcastRangeM:         32,
		CrouchMultiplier:        1.0,
		WhisperMultiplier:       0.5,
		DatagramSendCapacity:    1024,
		DatagramRecvCapacity:    1024,
		ControlRateLimitPerSec:  20,
		ControlRateLimitBurst:   40,
		PositionRateLimitPerSec: 50,
		PositionRateLimitBurst:  100,
		MetricsAddr:             ":9090",
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies flags registered on fs, which must already have been Parse()d.
// Flags take precedence over the file.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if fs != nil {
		applyFlags(&cfg, fs)
	}
	return cfg, nil
}

// RegisterFlags declares the CLI flags that may override file values.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen", "", "QUIC listen address (overrides config file)")
	fs.String("http", "", "HTTP position-ingestion listen address")
	fs.String("metrics", "", "Prometheus metrics listen address")
	fs.Float64("broadcast-range", 0, "broadcast_range_m override")
	fs.String("position-token", "", "X-MC-Access-Token shared secret override")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if v, _ := fs.GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := fs.GetString("http"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, _ := fs.GetString("metrics"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := fs.GetFloat64("broadcast-range"); v != 0 {
		cfg.BroadcastRangeM = float32(v)
	}
	if v, _ := fs.GetString("position-token"); v != "" {
		cfg.PositionAccessToken = v
	}
}
