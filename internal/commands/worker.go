package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/executor"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	var (
		lanes       []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the external work broker",
		Long: `Runs a broker consumer against the configured redis or nats worker
backend. Handlers registered in-process execute the dequeued jobs and
their state transitions are mirrored into the execution ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *App) error {
				if a.Broker == nil {
					return core.Errorf(core.CategoryValidation,
						"worker backend %q has no broker; use redis or nats", a.Config.Worker.Backend)
				}
				wcfg := executor.DefaultWorkerConfig()
				if len(lanes) > 0 {
					wcfg.Lanes = lanes
				}
				if concurrency > 0 {
					wcfg.Concurrency = concurrency
				}
				wcfg.Recorder = &ledgerRecorder{ledger: a.Ledger}
				wcfg.Logger = a.Logger

				w := executor.NewWorker(a.Broker, a.Registry, &wcfg)
				if err := w.Start(ctx); err != nil {
					return err
				}
				fmt.Printf("worker consuming lanes %v\n", wcfg.Lanes)
				<-ctx.Done()
				return w.Stop(context.Background())
			})
		},
	}
	cmd.Flags().StringSliceVar(&lanes, "lanes", nil, "lanes to consume (default: the default lane)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "consume goroutines per lane")
	return cmd
}

// ledgerRecorder mirrors worker-side state changes into the ledger so
// externally executed runs stay observable from the API.
type ledgerRecorder struct {
	ledger *ledger.Ledger
}

func (r *ledgerRecorder) RecordRunning(ctx context.Context, executionID string) error {
	return r.ledger.UpdateStatus(ctx, executionID, core.StatusRunning, nil)
}

func (r *ledgerRecorder) RecordCompleted(ctx context.Context, executionID string, result map[string]interface{}) error {
	return r.ledger.UpdateStatus(ctx, executionID, core.StatusCompleted, &ledger.StatusUpdate{Result: result})
}

func (r *ledgerRecorder) RecordFailed(ctx context.Context, executionID string, runErr error) error {
	return r.ledger.UpdateStatus(ctx, executionID, core.StatusFailed, &ledger.StatusUpdate{Error: runErr.Error()})
}

func (r *ledgerRecorder) RecordCancelled(ctx context.Context, executionID string, reason string) error {
	return r.ledger.UpdateStatus(ctx, executionID, core.StatusCancelled, &ledger.StatusUpdate{
		EventData: map[string]interface{}{"reason": reason},
	})
}
