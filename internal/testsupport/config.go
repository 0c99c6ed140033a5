// Package testsupport provides helpers shared by package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"foreman/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Liveness tuning is shortened so sweep-driven tests stay fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.SocketPath = filepath.Join(base, "foremand.sock")
	cfg.Paths.StorePath = filepath.Join(base, "data", "queue.db")
	cfg.Daemon.LivenessTimeout = 2
	cfg.Daemon.SweepInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxRetries overrides the reassignment budget on the test config.
func WithMaxRetries(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Daemon.MaxRetries = n
	}
}
