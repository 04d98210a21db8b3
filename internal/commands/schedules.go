package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/scheduler"
)

func newSchedulesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring schedules",
	}
	cmd.AddCommand(
		newSchedulesListCommand(opts),
		newSchedulesCreateCommand(opts),
		newSchedulesShowCommand(opts),
		newSchedulesUpdateCommand(opts),
		newSchedulesDeleteCommand(opts),
		newSchedulesEnableCommand(opts, true),
		newSchedulesEnableCommand(opts, false),
	)
	return cmd
}

func newSchedulesListCommand(opts *rootOptions) *cobra.Command {
	var (
		enabledOnly bool
		limit       int
		offset      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				f := scheduler.Filter{Limit: limit, Offset: offset}
				if enabledOnly {
					t := true
					f.Enabled = &t
				}
				scheds, err := a.Schedules.List(ctx, f)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(scheds)
				}
				rows := make([][]string, 0, len(scheds))
				for _, s := range scheds {
					spec := s.CronExpression
					if s.ScheduleType == scheduler.TypeInterval {
						spec = fmt.Sprintf("every %ds", s.IntervalSeconds)
					}
					rows = append(rows, []string{
						s.ID, s.Name, string(s.TargetType), s.TargetName, spec,
						strconv.FormatBool(s.Enabled), formatTimePtr(s.NextRunAt),
					})
				}
				printTable([]string{"ID", "NAME", "TARGET", "TARGET NAME", "SPEC", "ENABLED", "NEXT RUN"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled schedules")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newSchedulesCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		targetType string
		targetName string
		cron       string
		intervalS  int
		timezone   string
		paramsRaw  string
		misfire    int
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			if paramsRaw != "" {
				if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
					return core.Wrap(core.CategoryValidation, "invalid --params JSON", err)
				}
			}
			s := &scheduler.Schedule{
				Name:                args[0],
				TargetType:          scheduler.TargetType(targetType),
				TargetName:          targetName,
				Timezone:            timezone,
				Enabled:             !disabled,
				MisfireGraceSeconds: misfire,
				Params:              params,
				CreatedBy:           "cli",
			}
			if cron != "" {
				s.ScheduleType = scheduler.TypeCron
				s.CronExpression = cron
			} else {
				s.ScheduleType = scheduler.TypeInterval
				s.IntervalSeconds = intervalS
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				created, err := a.Schedules.Create(ctx, s)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(created)
				}
				fmt.Printf("schedule %s created, next run %s\n", created.ID, formatTimePtr(created.NextRunAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetType, "target-type", "TASK", "TASK, OPERATION, or WORKFLOW")
	cmd.Flags().StringVar(&targetName, "target", "", "target task/operation/workflow name (required)")
	cmd.Flags().StringVar(&cron, "cron", "", "cron expression (5-field)")
	cmd.Flags().IntVar(&intervalS, "interval", 0, "interval in seconds (alternative to --cron)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for cron evaluation")
	cmd.Flags().StringVar(&paramsRaw, "params", "", "parameters as a JSON object")
	cmd.Flags().IntVar(&misfire, "misfire-grace", 60, "misfire grace window in seconds")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newSchedulesShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <schedule-id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				s, err := a.Schedules.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(s)
				}
				fmt.Printf("ID:            %s\n", s.ID)
				fmt.Printf("Name:          %s\n", s.Name)
				fmt.Printf("Target:        %s %s\n", s.TargetType, s.TargetName)
				if s.ScheduleType == scheduler.TypeCron {
					fmt.Printf("Cron:          %s (%s)\n", s.CronExpression, s.Timezone)
				} else {
					fmt.Printf("Interval:      %ds\n", s.IntervalSeconds)
				}
				fmt.Printf("Enabled:       %t\n", s.Enabled)
				fmt.Printf("Next run:      %s\n", formatTimePtr(s.NextRunAt))
				fmt.Printf("Last run:      %s (%s)\n", formatTimePtr(s.LastRunAt), s.LastRunStatus)
				fmt.Printf("Version:       %d\n", s.Version)
				return nil
			})
		},
	}
}

func newSchedulesUpdateCommand(opts *rootOptions) *cobra.Command {
	var (
		cron      string
		intervalS int
		paramsRaw string
	)
	cmd := &cobra.Command{
		Use:   "update <schedule-id>",
		Short: "Update a schedule's timing or parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				s, err := a.Schedules.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if cron != "" {
					s.ScheduleType = scheduler.TypeCron
					s.CronExpression = cron
					s.IntervalSeconds = 0
				}
				if intervalS > 0 {
					s.ScheduleType = scheduler.TypeInterval
					s.IntervalSeconds = intervalS
					s.CronExpression = ""
				}
				if paramsRaw != "" {
					params := map[string]interface{}{}
					if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
						return core.Wrap(core.CategoryValidation, "invalid --params JSON", err)
					}
					s.Params = params
				}
				updated, err := a.Schedules.Update(ctx, s)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(updated)
				}
				fmt.Printf("schedule %s updated, next run %s\n", updated.ID, formatTimePtr(updated.NextRunAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "new cron expression")
	cmd.Flags().IntVar(&intervalS, "interval", 0, "new interval in seconds")
	cmd.Flags().StringVar(&paramsRaw, "params", "", "replacement parameters as a JSON object")
	return cmd
}

func newSchedulesDeleteCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(fmt.Sprintf("delete schedule %s?", args[0]), force) {
				fmt.Println("aborted")
				return nil
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.Schedules.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("schedule %s deleted\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func newSchedulesEnableCommand(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "enable <schedule-id>", "Enable a schedule"
	if !enable {
		use, short = "disable <schedule-id>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.Schedules.SetEnabled(ctx, args[0], enable); err != nil {
					return err
				}
				state := "enabled"
				if !enable {
					state = "disabled"
				}
				fmt.Printf("schedule %s %s\n", args[0], state)
				return nil
			})
		},
	}
}
