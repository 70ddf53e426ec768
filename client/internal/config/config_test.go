package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearcast/client/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "localhost:4433", cfg.ServerAddr)
	assert.Equal(t, 48000, cfg.SampleRate)
	assert.True(t, cfg.AGCEnabled)
	assert.True(t, cfg.SpatialAudio)
	assert.Equal(t, -1, cfg.InputDeviceID)
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default().ServerAddr, cfg.ServerAddr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearcast-client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_addr: \"voice.example:4433\"\nplayer_name: Steve\n"), 0o600))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "voice.example:4433", cfg.ServerAddr)
	assert.Equal(t, "Steve", cfg.PlayerName)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearcast-client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_addr: \"voice.example:4433\"\n"), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--server=127.0.0.1:9999", "--name=Alex"}))

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ServerAddr)
	assert.Equal(t, "Alex", cfg.PlayerName)
}
