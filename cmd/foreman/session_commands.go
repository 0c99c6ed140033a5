package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/ipc"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
	}

	sessionCmd.AddCommand(newSessionRegisterCommand(ctx))
	sessionCmd.AddCommand(newSessionHeartbeatCommand(ctx))
	sessionCmd.AddCommand(newSessionCompleteCommand(ctx))
	sessionCmd.AddCommand(newSessionShowCommand(ctx))
	sessionCmd.AddCommand(newSessionListCommand(ctx))

	return sessionCmd
}

func newSessionRegisterCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				sess, err := client.Register(sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered session %s\n", sess.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "id", "", "Session id to register (generated when omitted)")
	return cmd
}

func newSessionHeartbeatCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <session-id>",
		Short: "Refresh a session's liveness timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				sess, err := client.Heartbeat(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Heartbeat recorded for %s\n", sess.ID)
				return nil
			})
		},
	}
}

func newSessionCompleteCommand(ctx *commandContext) *cobra.Command {
	var result string
	var failed bool

	cmd := &cobra.Command{
		Use:   "complete <session-id> <item-id>",
		Short: "Report the outcome of a claimed item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if failed && result == "" {
				return errors.New("--result is required with --failed")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				item, err := client.Complete(args[0], args[1], result, !failed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s marked %s\n", item.ID, item.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&result, "result", "r", "", "Result payload for the item")
	cmd.Flags().BoolVar(&failed, "failed", false, "Mark the item as failed instead of completed")
	return cmd
}

func newSessionShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				sess, err := client.Session(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID: %s\n", sess.ID)
				fmt.Fprintf(out, "State: %s\n", sess.State)
				fmt.Fprintf(out, "Registered: %s\n", sess.RegisteredAt.Local().Format(time.DateTime))
				fmt.Fprintf(out, "Last heartbeat: %s\n", sess.LastHeartbeat.Local().Format(time.DateTime))
				if sess.CurrentItem != "" {
					fmt.Fprintf(out, "Current item: %s\n", sess.CurrentItem)
				}
				return nil
			})
		},
	}
}

func newSessionListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				sessions, err := client.Sessions()
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions registered")
					return nil
				}
				rows := make([][]string, 0, len(sessions))
				for _, sess := range sessions {
					rows = append(rows, []string{
						sess.ID,
						sess.State,
						sess.CurrentItem,
						sess.LastHeartbeat.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "State", "Current Item", "Last Heartbeat"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}
