package config

const (
	defaultDataDir         = "~/.local/share/foreman"
	defaultLivenessTimeout = 30
	defaultSweepInterval   = 10
	defaultMaxRetries      = 3
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Daemon: Daemon{
			LivenessTimeout: defaultLivenessTimeout,
			SweepInterval:   defaultSweepInterval,
			MaxRetries:      defaultMaxRetries,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
