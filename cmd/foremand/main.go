package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/daemonrun"
)

func main() {
	var (
		configPath string
		socketPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "foremand",
		Short:         "Foreman task-queue daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				SocketPath: socketPath,
				LogLevel:   logLevel,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&socketPath, "socket", "", "override IPC socket path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "foremand: %v\n", err)
		os.Exit(1)
	}
}
