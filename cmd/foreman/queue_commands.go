package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/ipc"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueDequeueCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "add <payload>",
		Short: "Enqueue a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				item, err := client.Add(args[0], priority)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (priority %s)\n", item.ID, item.Priority)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Item priority: high, normal, or low")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStates []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in dequeue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				items, err := client.List(listStates...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Priority", "Status", "Claimed By", "Retries", "Created", "Payload"},
					buildQueueListRows(items),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStates, "state", "s", nil, "Filter by item state (repeatable)")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one work item in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				item, err := client.ItemStatus(args[0])
				if err != nil {
					return err
				}
				printItem(cmd, item)
				return nil
			})
		},
	}
}

func newQueueDequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <session-id>",
		Short: "Claim the next pending item for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				item, err := client.Dequeue(args[0])
				if err != nil {
					return err
				}
				if item == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				printItem(cmd, item)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show queue health summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				health, err := client.Health()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Total: %d\nPending: %d\nActive: %d\nCompleted: %d\nFailed: %d\n",
					health.Total,
					health.Pending,
					health.Active,
					health.Completed,
					health.Failed,
				)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearCompleted bool
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queue items (active items are never removed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCompleted && clearFailed {
				return errors.New("specify only one of --completed or --failed")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				switch {
				case clearCompleted:
					removed, err := client.ClearCompleted()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d completed items\n", removed)
				case clearFailed:
					removed, err := client.ClearFailed()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d failed items\n", removed)
				default:
					removed, err := client.Clear()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d queue items\n", removed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearCompleted, "completed", false, "Remove only completed items")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove only failed items")
	return cmd
}

func buildQueueListRows(items []ipc.WorkItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Priority,
			item.Status,
			item.ClaimedBy,
			fmt.Sprintf("%d", item.RetryCount),
			item.CreatedAt.Local().Format(time.DateTime),
			truncatePayload(item.Payload, 48),
		})
	}
	return rows
}

func printItem(cmd *cobra.Command, item *ipc.WorkItem) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", item.ID)
	fmt.Fprintf(out, "Status: %s\n", item.Status)
	fmt.Fprintf(out, "Priority: %s\n", item.Priority)
	fmt.Fprintf(out, "Payload: %s\n", item.Payload)
	fmt.Fprintf(out, "Created: %s\n", item.CreatedAt.Local().Format(time.DateTime))
	if item.ClaimedBy != "" {
		fmt.Fprintf(out, "Claimed by: %s\n", item.ClaimedBy)
	}
	if item.ClaimedAt != nil {
		fmt.Fprintf(out, "Claimed: %s\n", item.ClaimedAt.Local().Format(time.DateTime))
	}
	if item.RetryCount > 0 {
		fmt.Fprintf(out, "Retries: %d\n", item.RetryCount)
	}
	if item.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", item.CompletedAt.Local().Format(time.DateTime))
	}
	if item.Result != "" {
		fmt.Fprintf(out, "Result: %s\n", item.Result)
	}
}

func truncatePayload(payload string, max int) string {
	payload = strings.ReplaceAll(payload, "\n", " ")
	runes := []rune(payload)
	if len(runes) <= max {
		return payload
	}
	return string(runes[:max-1]) + "…"
}
