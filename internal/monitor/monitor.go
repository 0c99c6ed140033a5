package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"foreman/internal/logging"
	"foreman/internal/session"
)

// Monitor periodically expires sessions that stopped sending heartbeats.
type Monitor struct {
	registry *session.Registry
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a liveness monitor sweeping every interval and expiring sessions
// silent for longer than timeout.
func New(registry *session.Registry, logger *slog.Logger, interval, timeout time.Duration) (*Monitor, error) {
	if registry == nil {
		return nil, errors.New("liveness monitor requires a session registry")
	}
	if interval <= 0 || timeout <= 0 {
		return nil, errors.New("liveness monitor requires positive interval and timeout")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		registry: registry,
		logger:   logging.WithComponent(logger, "monitor"),
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Start launches the sweep loop until the context is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("liveness monitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func(ctx context.Context) {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx, time.Now().UTC())
			}
		}
	}(runCtx)

	m.logger.Debug("liveness monitor started",
		logging.Duration("sweep_interval", m.interval),
		logging.Duration("liveness_timeout", m.timeout))
	return nil
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Debug("liveness monitor stopped")
}

// Sweep runs one expiry pass at the given time and reports how many sessions
// were declared dead. Exposed so tests can drive sweeps deterministically.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) int {
	expired := m.registry.ExpireDead(ctx, now, m.timeout)
	if len(expired) > 0 {
		m.logger.Info("liveness sweep expired sessions",
			logging.String(logging.FieldEventType, "liveness_sweep"),
			logging.Int("expired_count", len(expired)))
	}
	return len(expired)
}
