package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/dlq"
)

func newDLQCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue",
	}
	cmd.AddCommand(
		newDLQListCommand(opts),
		newDLQShowCommand(opts),
		newDLQRetryCommand(opts),
		newDLQResolveCommand(opts),
	)
	return cmd
}

func newDLQListCommand(opts *rootOptions) *cobra.Command {
	var (
		workflow   string
		unresolved bool
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				f := dlq.Filter{Workflow: workflow, Limit: limit, Offset: offset}
				if unresolved {
					r := false
					f.Resolved = &r
				}
				entries, err := a.DLQ.List(ctx, f)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					resolved := "-"
					if e.ResolvedAt != nil {
						resolved = e.ResolvedBy
					}
					rows = append(rows, []string{
						e.ID, e.Workflow, truncate(e.Error, 50),
						fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
						formatTime(e.CreatedAt), resolved,
					})
				}
				printTable([]string{"ID", "WORKFLOW", "ERROR", "RETRIES", "CREATED", "RESOLVED BY"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "filter by work name")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newDLQShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <dlq-id>",
		Short: "Show one dead-letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				e, err := a.DLQ.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(e)
				}
				fmt.Printf("ID:           %s\n", e.ID)
				fmt.Printf("Execution:    %s\n", e.ExecutionID)
				fmt.Printf("Workflow:     %s\n", e.Workflow)
				fmt.Printf("Error:        %s\n", e.Error)
				fmt.Printf("Retries:      %d/%d\n", e.RetryCount, e.MaxRetries)
				fmt.Printf("Can retry:    %s\n", strconv.FormatBool(e.CanRetry()))
				fmt.Printf("Created:      %s\n", formatTime(e.CreatedAt))
				fmt.Printf("Last retry:   %s\n", formatTimePtr(e.LastRetryAt))
				fmt.Printf("Resolved:     %s\n", formatTimePtr(e.ResolvedAt))
				if len(e.Params) > 0 {
					b, _ := json.MarshalIndent(e.Params, "", "  ")
					fmt.Printf("Params:\n%s\n", string(b))
				}
				return nil
			})
		},
	}
}

func newDLQRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <dlq-id>",
		Short: "Resubmit a dead-lettered execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				exec, err := a.Dispatcher.RetryFromDLQ(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(exec)
				}
				fmt.Printf("resubmitted as run %s  %s\n", exec.ID, exec.Status)
				return nil
			})
		},
	}
}

func newDLQResolveCommand(opts *rootOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve <dlq-id>",
		Short: "Mark a dead-letter entry resolved without retrying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.DLQ.Resolve(ctx, args[0], by); err != nil {
					return err
				}
				fmt.Printf("entry %s resolved\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "resolver identity")
	return cmd
}
