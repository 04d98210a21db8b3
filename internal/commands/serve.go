package commands

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/api"
	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/workflow"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, scheduler, and in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if err := a.Schema.Apply(ctx); err != nil {
					return err
				}

				// run.failed and run.dead_lettered feed the alert
				// manager; everything else only reaches SSE clients.
				bridge := alert.EventBridge(a.Alerts)
				if _, err := a.Bus.Subscribe(bus.TopicRunFailed, bridge); err != nil {
					return err
				}
				if _, err := a.Bus.Subscribe(bus.TopicRunDeadLettered, bridge); err != nil {
					return err
				}

				if a.Config.WorkflowsDir != "" {
					loader := workflow.NewLoader(a.Workflows, a.Config.WorkflowsDir, a.Logger)
					n, err := loader.LoadDir(ctx)
					if err != nil {
						a.Logger.Warn("workflow directory load failed", map[string]interface{}{
							"dir":   a.Config.WorkflowsDir,
							"error": err.Error(),
						})
					} else {
						a.Logger.Info("workflow definitions loaded", map[string]interface{}{
							"dir":   a.Config.WorkflowsDir,
							"count": n,
						})
					}
					if err := loader.Watch(ctx); err != nil {
						a.Logger.Warn("workflow hot reload unavailable", map[string]interface{}{
							"error": err.Error(),
						})
					}
					defer loader.Close()
				}

				var metrics http.Handler
				if a.Config.Metrics.Backend == "prometheus" {
					metrics = a.Telemetry.Registry().Handler()
				}

				checks := []api.HealthCheck{}
				if redisCheck := a.RedisCheck(); redisCheck != nil {
					checks = append(checks, api.HealthCheck{
						Name:     "redis",
						Required: false,
						Check:    redisCheck,
					})
				}

				server := api.NewServer(api.Deps{
					Config:     a.Config,
					Logger:     a.Logger,
					Conn:       a.Conn,
					Schema:     a.Schema,
					Dispatcher: a.Dispatcher,
					Workflows:  a.Workflows,
					Steps:      a.Steps,
					Schedules:  a.Schedules,
					DLQ:        a.DLQ,
					Quality:    a.Quality,
					Rejects:    a.Rejects,
					Anomalies:  a.Anomalies,
					Alerts:     a.Alerts,
					Manifests:  a.Manifests,
					Bus:        a.Bus,
					Metrics:    metrics,
					Checks:     checks,
				})

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return server.Start(gctx)
				})
				if a.Scheduler != nil {
					g.Go(func() error {
						return a.Scheduler.Start(gctx)
					})
				}
				return g.Wait()
			})
		},
	}
}
