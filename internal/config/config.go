// Package config loads and validates the engine configuration from a
// YAML file. Zero values in the file fall back to defaults, so a config
// file only needs the keys it wants to change.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Buffer   BufferConfig   `yaml:"buffer"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Journal  JournalConfig  `yaml:"journal"`
	Admin    AdminConfig    `yaml:"admin"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// BufferConfig tunes the write-buffer coordinator.
type BufferConfig struct {
	MaxStores         int   `yaml:"max_stores"`
	SetThresholdBytes int64 `yaml:"set_threshold_bytes"`
	SetShards         int   `yaml:"set_shards"`
	IngestWorkers     int   `yaml:"ingest_workers"`
}

// ThrottleConfig tunes the ingest token bucket. Burst and Rate are in
// bytes and bytes per second.
type ThrottleConfig struct {
	Burst    uint64        `yaml:"burst"`
	Rate     uint64        `yaml:"rate"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// JournalConfig tunes the write-ahead journal. An empty Dir disables
// journaling.
type JournalConfig struct {
	Dir            string        `yaml:"dir"`
	MaxFileSize    int64         `yaml:"max_file_size"`
	MaxFiles       int           `yaml:"max_files"`
	RotationPeriod time.Duration `yaml:"rotation_period"`
	SyncOnAppend   bool          `yaml:"sync_on_append"`
}

// AdminConfig tunes the admin HTTP listener.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig tunes trace export. An empty endpoint disables it.
type TracingConfig struct {
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Buffer: BufferConfig{
			MaxStores:         1024,
			SetThresholdBytes: 8 * 1024 * 1024,
			SetShards:         16,
			IngestWorkers:     4,
		},
		Throttle: ThrottleConfig{
			Burst:    64 * 1024 * 1024,
			Rate:     32 * 1024 * 1024,
			MaxDelay: 10 * time.Second,
		},
		Journal: JournalConfig{
			MaxFileSize:    64 * 1024 * 1024,
			MaxFiles:       8,
			RotationPeriod: time.Minute,
		},
		Admin: AdminConfig{
			Addr: ":8090",
		},
		Tracing: TracingConfig{
			SampleRatio: 0.1,
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Buffer.MaxStores <= 0 {
		return fmt.Errorf("buffer.max_stores must be positive, got %d", c.Buffer.MaxStores)
	}
	if c.Buffer.SetThresholdBytes <= 0 {
		return fmt.Errorf("buffer.set_threshold_bytes must be positive, got %d", c.Buffer.SetThresholdBytes)
	}
	if c.Buffer.IngestWorkers <= 0 {
		return fmt.Errorf("buffer.ingest_workers must be positive, got %d", c.Buffer.IngestWorkers)
	}
	if c.Throttle.MaxDelay < 0 {
		return fmt.Errorf("throttle.max_delay must not be negative, got %s", c.Throttle.MaxDelay)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0,1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}
