// Package config loads the client's settings from a YAML file, with CLI
// flags overriding file values, mirroring server/internal/config's ambient
// configuration stack (gopkg.in/yaml.v3 + github.com/spf13/pflag).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"nearcast/client/internal/jitterbuf"
)

// Config is the client's full runtime configuration.
type Config struct {
	ServerAddr string `yaml:"server_addr"`
	PlayerName string `yaml:"player_name"`

	CACertPath     string `yaml:"ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`

	SampleRate int `yaml:"sample_rate"`
	BitrateBps int `yaml:"bitrate_bps"`

	InputDeviceID  int `yaml:"input_device_id"`
	OutputDeviceID int `yaml:"output_device_id"`

	OpenMic    bool `yaml:"open_mic"`
	PTTEnabled bool `yaml:"ptt_enabled"`

	AGCEnabled       bool `yaml:"agc_enabled"`
	AGCTargetLevel   int  `yaml:"agc_target_level"`
	NoiseGateEnabled bool `yaml:"noise_gate_enabled"`

	SpatialAudio bool `yaml:"spatial_audio"`

	Jitter jitterbuf.Tunables `yaml:"jitter"`

	MetricsAddr string `yaml:"metrics_addr"`

	TestbotEnabled     bool   `yaml:"testbot_enabled"`
	TestbotIngestAddr  string `yaml:"testbot_ingest_addr"`
	TestbotAccessToken string `yaml:"testbot_access_token"`
	TestbotGame        string `yaml:"testbot_game"`
	TestbotDimension   string `yaml:"testbot_dimension"`
}

// Default returns the client's shipped defaults.
func Default() Config {
	return Config{
		ServerAddr:       "localhost:4433",
		SampleRate:       48000,
		BitrateBps:       32000,
		InputDeviceID:    -1,
		OutputDeviceID:   -1,
		AGCEnabled:       true,
		AGCTargetLevel:   50,
		NoiseGateEnabled: true,
		SpatialAudio:     true,
		Jitter:           jitterbuf.DefaultTunables(),
		MetricsAddr:      ":9091",
		TestbotGame:      "minecraft",
		TestbotDimension: "overworld",
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies flags registered on fs, which must already have been Parse()d.
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
	fs.String("server", "", "relay QUIC address (host:port)")
	fs.String("name", "", "player name, must match the client certificate CN")
	fs.Bool("open-mic", false, "skip the VAD gate and transmit continuously")
	fs.Bool("ptt", false, "require push-to-talk instead of voice activation")
	fs.Bool("testbot", false, "run a synthetic tone-generating speaker instead of opening a capture device")
	fs.String("testbot-ingest-addr", "", "base URL of the relay's position-ingestion edge, for --testbot")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if v, _ := fs.GetString("server"); v != "" {
		cfg.ServerAddr = v
	}
	if v, _ := fs.GetString("name"); v != "" {
		cfg.PlayerName = v
	}
	if v, _ := fs.GetBool("open-mic"); v {
		cfg.OpenMic = v
	}
	if v, _ := fs.GetBool("ptt"); v {
		cfg.PTTEnabled = v
	}
	if v, _ := fs.GetBool("testbot"); v {
		cfg.TestbotEnabled = v
	}
	if v, _ := fs.GetString("testbot-ingest-addr"); v != "" {
		cfg.TestbotIngestAddr = v
	}
}
