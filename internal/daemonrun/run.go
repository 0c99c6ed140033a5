// Package daemonrun wires configuration, storage, services, and the IPC
// server into a running foremand process.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"foreman/internal/config"
	"foreman/internal/daemon"
	"foreman/internal/ipc"
	"foreman/internal/logging"
	"foreman/internal/monitor"
	"foreman/internal/queue"
	"foreman/internal/session"
)

// Options configures daemon process runtime behavior.
type Options struct {
	SocketPath string
	LogLevel   string
}

// Run starts the foreman daemon runtime loop and blocks until SIGINT or
// SIGTERM arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("foremand-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "foremand.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg.StorePath())
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	manager, err := queue.NewManager(signalCtx, store, logger, cfg.Daemon.MaxRetries)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	registry, err := session.NewRegistry(signalCtx, store, manager, logger)
	if err != nil {
		return fmt.Errorf("init session registry: %w", err)
	}
	mon, err := monitor.New(registry, logger, cfg.SweepInterval(), cfg.LivenessTimeout())
	if err != nil {
		return fmt.Errorf("init liveness monitor: %w", err)
	}

	d, err := daemon.New(cfg, store, manager, registry, mon, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	server, err := ipc.NewServer(socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("init IPC server: %w", err)
	}
	if err := server.Start(signalCtx); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer server.Stop()

	<-signalCtx.Done()
	logger.Info("foreman daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
