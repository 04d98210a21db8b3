package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	profile string
	jsonOut bool
}

// NewRootCommand builds the spine command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "spine",
		Short: "Workflow and execution orchestration platform",
		Long: `Spine tracks every unit of work as an execution: submitted, retried,
dead-lettered, or completed. It runs tasks, operations, and multi-step
workflows against pluggable executor backends, fires schedules, and
serves the whole surface over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "configuration profile to load")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "emit JSON instead of plain text")

	cmd.AddCommand(
		newRunsCommand(opts),
		newWorkflowsCommand(opts),
		newSchedulesCommand(opts),
		newAlertsCommand(opts),
		newDLQCommand(opts),
		newDatabaseCommand(opts),
		newProfileCommand(opts),
		newServeCommand(opts),
		newWorkerCommand(opts),
		newVersionCommand(),
	)

	return cmd
}

// ExitCode maps an error onto the process exit code: 0 success,
// 2 validation, 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if core.CategoryOf(err) == core.CategoryValidation {
		return 2
	}
	return 1
}

// withApp loads config, assembles the platform, runs fn, and tears
// everything down. Commands that only read config use LoadConfig
// directly instead.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *App) error) error {
	cfg, err := LoadConfig(opts.profile)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
