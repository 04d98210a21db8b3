package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/core"
)

func newAlertsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect alerts and manage delivery channels",
	}
	cmd.AddCommand(
		newAlertsListCommand(opts),
		newAlertsAckCommand(opts),
		newAlertChannelsCommand(opts),
	)
	return cmd
}

func newAlertsListCommand(opts *rootOptions) *cobra.Command {
	var (
		severity string
		unacked  bool
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				alerts, err := a.Alerts.List(ctx, alert.Filter{
					Severity:       severity,
					Unacknowledged: unacked,
					Limit:          limit,
					Offset:         offset,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(alerts)
				}
				rows := make([][]string, 0, len(alerts))
				for _, al := range alerts {
					acked := "-"
					if al.AcknowledgedAt != nil {
						acked = al.AcknowledgedBy
					}
					rows = append(rows, []string{
						al.ID, al.Severity, truncate(al.Title, 50), al.Source,
						formatTime(al.CreatedAt), acked,
					})
				}
				printTable([]string{"ID", "SEVERITY", "TITLE", "SOURCE", "CREATED", "ACKED BY"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (INFO, WARNING, ERROR, CRITICAL)")
	cmd.Flags().BoolVar(&unacked, "unacked", false, "only unacknowledged alerts")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newAlertsAckCommand(opts *rootOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				al, err := a.Alerts.Ack(ctx, args[0], by)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(al)
				}
				fmt.Printf("alert %s acknowledged by %s\n", al.ID, al.AcknowledgedBy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "acknowledger identity")
	return cmd
}

func newAlertChannelsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage alert delivery channels",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				channels, err := a.Alerts.ListChannels(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(channels)
				}
				rows := make([][]string, 0, len(channels))
				for _, ch := range channels {
					rows = append(rows, []string{
						ch.ID, ch.Name, ch.Type, ch.MinSeverity,
						strconv.FormatBool(ch.Enabled), strconv.Itoa(ch.ConsecutiveFailures),
					})
				}
				printTable([]string{"ID", "NAME", "TYPE", "MIN SEVERITY", "ENABLED", "FAILURES"}, rows)
				return nil
			})
		},
	})

	var (
		chType    string
		configRaw string
		minSev    string
		throttle  int
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a channel (console, webhook, slack)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			config := map[string]interface{}{}
			if configRaw != "" {
				if err := json.Unmarshal([]byte(configRaw), &config); err != nil {
					return core.Wrap(core.CategoryValidation, "invalid --config JSON", err)
				}
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				rec, err := a.Alerts.CreateChannel(ctx, &alert.ChannelRecord{
					Name:            args[0],
					Type:            chType,
					Config:          config,
					MinSeverity:     minSev,
					ThrottleMinutes: throttle,
					Enabled:         true,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(rec)
				}
				fmt.Printf("channel %s created\n", rec.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&chType, "type", alert.TypeConsole, "channel type: console, webhook, slack")
	create.Flags().StringVar(&configRaw, "config", "", "channel config as a JSON object (url, token, channel)")
	create.Flags().StringVar(&minSev, "min-severity", alert.SeverityWarning, "minimum severity to deliver")
	create.Flags().IntVar(&throttle, "throttle", 0, "per-fingerprint throttle window in minutes")
	cmd.AddCommand(create)

	var force bool
	del := &cobra.Command{
		Use:   "delete <channel-id>",
		Short: "Delete a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if !confirm(fmt.Sprintf("delete channel %s?", args[0]), force) {
				fmt.Println("aborted")
				return nil
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.Alerts.DeleteChannel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("channel %s deleted\n", args[0])
				return nil
			})
		},
	}
	del.Flags().BoolVar(&force, "force", false, "skip confirmation")
	cmd.AddCommand(del)

	return cmd
}
