package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/daemonctl"
	"foreman/internal/ipc"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 10 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStartCommand(ctx),
		newStopCommand(ctx),
		newStatusCommand(ctx),
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the foreman daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			executable, err := resolveDaemonExecutable()
			if err != nil {
				return err
			}

			opts := daemonctl.LaunchOptions{}
			if ctx.socketFlag != nil {
				opts.SocketPath = strings.TrimSpace(*ctx.socketFlag)
			}
			if ctx.configFlag != nil {
				opts.ConfigPath = strings.TrimSpace(*ctx.configFlag)
			}

			result, err := daemonctl.EnsureStarted(ctx.socketPath(), executable, opts, startWaitTimeout)
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n", result.PID)
			}
			return nil
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the foreman daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := ""
			if cfg, err := ctx.ensureConfig(); err == nil {
				dataDir = cfg.Paths.DataDir
			}

			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), dataDir, stopGracePeriod)
			if err != nil {
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
					return nil
				}
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon did not stop gracefully; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			reachable, _, err := daemonctl.ProcessInfo(ctx.socketPath())
			if err != nil {
				return err
			}
			if !reachable {
				fmt.Fprintln(out, "Daemon: not running (run `foreman start`)")
				return nil
			}

			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.DaemonStatus()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Daemon: running (pid %d)\n", status.PID)
				fmt.Fprintf(out, "Store: %s\n", status.StorePath)
				fmt.Fprintf(out, "Sessions: %d\n", status.Sessions)

				rows := make([][]string, 0, len(status.Queue))
				for _, state := range []string{"pending", "active", "completed", "failed"} {
					if count, ok := status.Queue[state]; ok && count > 0 {
						rows = append(rows, []string{state, fmt.Sprintf("%d", count)})
					}
				}
				if len(rows) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Status", "Count"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

// resolveDaemonExecutable prefers a foremand binary next to the CLI, falling
// back to PATH lookup.
func resolveDaemonExecutable() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "foremand")
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("foremand")
	if err != nil {
		return "", fmt.Errorf("locate foremand executable: %w", err)
	}
	return path, nil
}
