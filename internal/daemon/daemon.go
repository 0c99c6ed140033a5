package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/monitor"
	"foreman/internal/queue"
	"foreman/internal/session"
)

// Daemon coordinates the task-queue services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	queue    *queue.Manager
	sessions *session.Registry
	monitor  *monitor.Monitor

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running    bool
	PID        int
	StorePath  string
	LockPath   string
	QueueStats map[queue.Status]int
	Sessions   int
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, mgr *queue.Manager, reg *session.Registry, mon *monitor.Monitor, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || mgr == nil || reg == nil || mon == nil {
		return nil, errors.New("daemon requires config, store, queue manager, session registry, and monitor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "foremand.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    store,
		queue:    mgr,
		sessions: reg,
		monitor:  mon,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches the liveness monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another foreman daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.monitor.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start liveness monitor: %w", err)
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("foreman daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store", d.store.Path()))
	return nil
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.monitor.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("foreman daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Queue exposes the queue manager to the RPC layer.
func (d *Daemon) Queue() *queue.Manager {
	return d.queue
}

// Sessions exposes the session registry to the RPC layer.
func (d *Daemon) Sessions() *session.Registry {
	return d.sessions
}

// Status reports current runtime information.
func (d *Daemon) Status() Status {
	return Status{
		Running:    d.running.Load(),
		PID:        os.Getpid(),
		StorePath:  d.store.Path(),
		LockPath:   d.lockPath,
		QueueStats: d.queue.Stats(),
		Sessions:   len(d.sessions.List()),
	}
}
