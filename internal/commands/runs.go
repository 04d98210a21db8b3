package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
)

func newRunsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and inspect executions",
	}
	cmd.AddCommand(
		newRunsSubmitCommand(opts),
		newRunsListCommand(opts),
		newRunsGetCommand(opts),
		newRunsCancelCommand(opts),
		newRunsEventsCommand(opts),
		newRunsStepsCommand(opts),
	)
	return cmd
}

func newRunsSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		kind      string
		paramsRaw string
		lane      string
		idemKey   string
		timeout   int
		sync      bool
	)
	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a task, operation, or workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			if paramsRaw != "" {
				if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
					return core.Wrap(core.CategoryValidation, "invalid --params JSON", err)
				}
			}
			if !core.ValidKind(core.WorkKind(kind)) {
				return core.Errorf(core.CategoryValidation, "unknown kind %q (task, operation, workflow)", kind)
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				spec := core.WorkSpec{
					Kind:           core.WorkKind(kind),
					Name:           args[0],
					Params:         params,
					Lane:           lane,
					TimeoutSeconds: timeout,
				}
				exec, err := a.Dispatcher.Submit(ctx, spec, dispatch.SubmitOptions{
					IdempotencyKey: idemKey,
					TriggerSource:  core.TriggerManual,
					Sync:           sync,
				})
				if exec == nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(exec)
				}
				fmt.Printf("run %s  %s\n", exec.ID, exec.Status)
				if exec.Error != "" {
					fmt.Printf("error: %s\n", exec.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "work kind: task, operation, workflow")
	cmd.Flags().StringVar(&paramsRaw, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&lane, "lane", "", "execution lane")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "dedupe key: resubmitting returns the original run")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "per-run timeout in seconds")
	cmd.Flags().BoolVar(&sync, "wait", false, "run synchronously and report the final status")
	return cmd
}

func newRunsListCommand(opts *rootOptions) *cobra.Command {
	var (
		status   string
		workflow string
		lane     string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				execs, err := a.Dispatcher.List(ctx, ledger.Filter{
					Status:   core.ExecutionStatus(status),
					Workflow: workflow,
					Lane:     lane,
					Limit:    limit,
					Offset:   offset,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(execs)
				}
				rows := make([][]string, 0, len(execs))
				for _, e := range execs {
					rows = append(rows, []string{
						e.ID, e.Workflow, string(e.Kind), string(e.Status),
						strconv.Itoa(e.RetryCount), formatTime(e.CreatedAt),
					})
				}
				printTable([]string{"ID", "NAME", "KIND", "STATUS", "RETRIES", "CREATED"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&workflow, "workflow", "", "filter by work name")
	cmd.Flags().StringVar(&lane, "lane", "", "filter by lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newRunsGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				exec, err := a.Dispatcher.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(exec)
				}
				printRun(exec)
				return nil
			})
		},
	}
}

func newRunsCancelCommand(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				exec, err := a.Dispatcher.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(exec)
				}
				fmt.Printf("run %s  %s\n", exec.ID, exec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "cancellation reason")
	return cmd
}

func newRunsEventsCommand(opts *rootOptions) *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the execution's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				events, err := a.Dispatcher.Events(ctx, args[0], since)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(events)
				}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					detail := ""
					if len(ev.Data) > 0 {
						b, _ := json.Marshal(ev.Data)
						detail = truncate(string(b), 80)
					}
					rows = append(rows, []string{
						strconv.Itoa(ev.Seq), ev.EventType, formatTime(ev.Timestamp), detail,
					})
				}
				printTable([]string{"SEQ", "EVENT", "AT", "DATA"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "only events after this sequence number")
	return cmd
}

func newRunsStepsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "Show per-step records for a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if _, err := a.Dispatcher.Get(ctx, args[0]); err != nil {
					return err
				}
				steps, err := a.Steps.ListByRun(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(steps)
				}
				rows := make([][]string, 0, len(steps))
				for _, st := range steps {
					rows = append(rows, []string{
						strconv.Itoa(st.StepOrder), st.StepName, string(st.StepType),
						string(st.Status), strconv.FormatInt(st.DurationMS, 10) + "ms",
						truncate(st.Error, 60),
					})
				}
				printTable([]string{"#", "STEP", "TYPE", "STATUS", "DURATION", "ERROR"}, rows)
				return nil
			})
		},
	}
}

func printRun(e *core.Execution) {
	fmt.Printf("ID:             %s\n", e.ID)
	fmt.Printf("Name:           %s\n", e.Workflow)
	fmt.Printf("Kind:           %s\n", e.Kind)
	fmt.Printf("Status:         %s\n", e.Status)
	fmt.Printf("Lane:           %s\n", e.Lane)
	fmt.Printf("Trigger:        %s\n", e.TriggerSource)
	if e.ParentExecutionID != "" {
		fmt.Printf("Parent:         %s\n", e.ParentExecutionID)
	}
	if e.CorrelationID != "" {
		fmt.Printf("Correlation:    %s\n", e.CorrelationID)
	}
	fmt.Printf("Retries:        %d/%d\n", e.RetryCount, e.MaxRetries)
	fmt.Printf("Created:        %s\n", formatTime(e.CreatedAt))
	fmt.Printf("Started:        %s\n", formatTimePtr(e.StartedAt))
	fmt.Printf("Completed:      %s\n", formatTimePtr(e.CompletedAt))
	if e.Error != "" {
		fmt.Printf("Error:          %s\n", e.Error)
	}
	if len(e.Result) > 0 {
		b, _ := json.MarshalIndent(e.Result, "", "  ")
		fmt.Printf("Result:\n%s\n", string(b))
	}
}
