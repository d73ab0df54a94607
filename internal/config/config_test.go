package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/graphengine\nack_timeout: 5s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/graphengine", cfg.DataDir)
	require.Equal(t, 5*time.Second, cfg.AckTimeout)
	require.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	require.Error(t, cfg.Validate())
}
