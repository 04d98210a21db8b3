package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func newDatabaseCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Manage the backing database",
	}
	cmd.AddCommand(
		newDatabaseInitCommand(opts),
		newDatabaseHealthCommand(opts),
		newDatabaseTablesCommand(opts),
		newDatabasePurgeCommand(opts),
	)
	return cmd
}

func newDatabaseInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Apply the schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.Schema.Apply(ctx); err != nil {
					return err
				}
				tables, err := a.Schema.Tables(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(map[string]interface{}{"initialized": true, "tables": tables})
				}
				fmt.Printf("schema applied, %d tables\n", len(tables))
				return nil
			})
		},
	}
}

func newDatabaseHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := a.Conn.Health(pingCtx); err != nil {
					return core.Wrap(core.CategoryUnavailable, "database unreachable", err)
				}
				if opts.jsonOut {
					return printJSON(map[string]string{"status": "healthy", "dialect": a.Conn.Dialect().Name()})
				}
				fmt.Printf("healthy (%s)\n", a.Conn.Dialect().Name())
				return nil
			})
		},
	}
}

func newDatabaseTablesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List platform tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				tables, err := a.Schema.Tables(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(tables)
				}
				for _, t := range tables {
					fmt.Println(t)
				}
				return nil
			})
		},
	}
}

func newDatabasePurgeCommand(opts *rootOptions) *cobra.Command {
	var (
		olderThanDays int
		force         bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal executions older than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThanDays < 1 {
				return core.NewError(core.CategoryValidation, "--older-than-days must be >= 1")
			}
			if !confirm(fmt.Sprintf("purge terminal runs older than %d days?", olderThanDays), force) {
				fmt.Println("aborted")
				return nil
			}
			return withApp(opts, func(ctx context.Context, a *App) error {
				result, err := a.Schema.Purge(ctx, time.Duration(olderThanDays)*24*time.Hour)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(result)
				}
				for table, n := range result.Deleted {
					fmt.Printf("%s: %d deleted\n", table, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "age cutoff in days")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}
