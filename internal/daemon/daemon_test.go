package daemon_test

import (
	"context"
	"testing"

	"foreman/internal/config"
	"foreman/internal/daemon"
	"foreman/internal/logging"
	"foreman/internal/monitor"
	"foreman/internal/queue"
	"foreman/internal/session"
	"foreman/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config, store *queue.Store) *daemon.Daemon {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()

	mgr, err := queue.NewManager(ctx, store, logger, cfg.Daemon.MaxRetries)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg, err := session.NewRegistry(ctx, store, mgr, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	mon, err := monitor.New(reg, logger, cfg.SweepInterval(), cfg.LivenessTimeout())
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	d, err := daemon.New(cfg, store, mgr, reg, mon, logger)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	return d
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	d := newDaemon(t, cfg, store)
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected error starting twice")
	}

	status := d.Status()
	if !status.Running || status.PID <= 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.StorePath != cfg.StorePath() {
		t.Fatalf("expected store path %s, got %s", cfg.StorePath(), status.StorePath)
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected stopped daemon")
	}
	d.Stop()

	// Lock is released, so a restart succeeds.
	if err := d.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	d.Stop()
}

func TestSecondInstanceRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := newDaemon(t, cfg, store)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start first: %v", err)
	}
	defer first.Stop()

	second := newDaemon(t, cfg, store)
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second instance to be rejected by the lock")
	}
}

func TestStatusReflectsQueueAndSessions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	d := newDaemon(t, cfg, store)
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if _, err := d.Queue().Add(ctx, "status check task", queue.PriorityNormal); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := d.Sessions().Register(ctx, "agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	status := d.Status()
	if status.QueueStats[queue.StatusPending] != 1 {
		t.Fatalf("expected 1 pending, got %+v", status.QueueStats)
	}
	if status.Sessions != 1 {
		t.Fatalf("expected 1 session, got %d", status.Sessions)
	}
}
