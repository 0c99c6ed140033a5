package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Daemon.LivenessTimeout <= 0 {
		return fmt.Errorf("daemon.liveness_timeout must be positive, got %d", c.Daemon.LivenessTimeout)
	}
	if c.Daemon.SweepInterval <= 0 {
		return fmt.Errorf("daemon.sweep_interval must be positive, got %d", c.Daemon.SweepInterval)
	}
	if c.Daemon.SweepInterval > c.Daemon.LivenessTimeout {
		return fmt.Errorf("daemon.sweep_interval (%d) must not exceed daemon.liveness_timeout (%d)",
			c.Daemon.SweepInterval, c.Daemon.LivenessTimeout)
	}
	if c.Daemon.MaxRetries < 0 {
		return fmt.Errorf("daemon.max_retries must not be negative, got %d", c.Daemon.MaxRetries)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
