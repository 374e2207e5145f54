package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
buffer:
  max_stores: 64
throttle:
  burst: 1024
  rate: 512
  max_delay: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Buffer.MaxStores)
	assert.Equal(t, uint64(1024), cfg.Throttle.Burst)
	assert.Equal(t, uint64(512), cfg.Throttle.Rate)
	assert.Equal(t, 2*time.Second, cfg.Throttle.MaxDelay)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, Default().Buffer.SetThresholdBytes, cfg.Buffer.SetThresholdBytes)
	assert.Equal(t, Default().Admin.Addr, cfg.Admin.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
buffer:
  max_stores: -1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_stores")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSampleRatioBounds(t *testing.T) {
	cfg := Default()
	cfg.Tracing.SampleRatio = 1.5
	require.Error(t, cfg.Validate())
}
