// Package api exposes the platform over HTTP: JSON endpoints under
// /api/v1, health probes, prometheus metrics, and an SSE event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/dlq"
	"github.com/ryansmccoy/spine-core-sub006/manifest"
	"github.com/ryansmccoy/spine-core-sub006/quality"
	"github.com/ryansmccoy/spine-core-sub006/scheduler"
	"github.com/ryansmccoy/spine-core-sub006/store"
	"github.com/ryansmccoy/spine-core-sub006/workflow"
)

// HealthCheck probes one dependency. Required failures flip readiness
// to 503; optional failures only degrade it.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// Deps wires the platform services into the HTTP layer. Conn and
// Dispatcher are mandatory; nil optional services disable their
// endpoint groups with 503 UNAVAILABLE.
type Deps struct {
	Config     *core.Config
	Logger     core.Logger
	Conn       *store.Connection
	Schema     *store.Schema
	Dispatcher *dispatch.Dispatcher
	Workflows  *workflow.Registry
	Steps      *workflow.StepStore
	Schedules  *scheduler.Repository
	DLQ        *dlq.Queue
	Quality    *quality.Recorder
	Rejects    *quality.Rejects
	Anomalies  *quality.Anomalies
	Alerts     *alert.Manager
	Manifests  *manifest.Tracker
	Bus        bus.Bus

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// Checks supplements the built-in database check in readiness
	// probes (e.g. a redis ping when the bus is redis-backed).
	Checks []HealthCheck
}

// Server is the HTTP front end.
type Server struct {
	deps     Deps
	logger   core.Logger
	validate *validator.Validate
	router   chi.Router
	http     *http.Server
	started  time.Time
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
		started:  time.Now().UTC(),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the handler tree (tests mount it on httptest).
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	devMode := false
	var corsOrigins []string
	if s.deps.Config != nil {
		devMode = s.deps.Config.API.DevMode
		corsOrigins = s.deps.Config.API.CORSOrigins
	}

	r.Use(requestIDMiddleware)
	r.Use(timingMiddleware)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger, devMode))
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", HeaderRequestID},
			ExposedHeaders:   []string{HeaderRequestID, HeaderProcessTime},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if s.deps.Config != nil && s.deps.Config.Tracing.Backend != "none" && s.deps.Config.Tracing.Backend != "" {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "spine.api")
		})
	}

	// Root-level probes and metrics.
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health/live", s.handleLive)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleReady)
		r.Get("/health/live", s.handleLive)
		r.Get("/capabilities", s.handleCapabilities)

		r.Get("/database/health", s.handleDatabaseHealth)
		r.Post("/database/init", s.handleDatabaseInit)
		r.Get("/database/tables", s.handleDatabaseTables)
		r.Post("/database/purge", s.handleDatabasePurge)

		r.Get("/workflows", s.handleWorkflowList)
		r.Get("/workflows/{name}", s.handleWorkflowGet)

		r.Post("/runs", s.handleRunSubmit)
		r.Get("/runs", s.handleRunList)
		r.Get("/runs/{id}", s.handleRunGet)
		r.Post("/runs/{id}/cancel", s.handleRunCancel)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/runs/{id}/steps", s.handleRunSteps)
		r.Get("/runs/{id}/logs", s.handleRunLogs)

		r.Get("/schedules", s.handleScheduleList)
		r.Post("/schedules", s.handleScheduleCreate)
		r.Get("/schedules/{id}", s.handleScheduleGet)
		r.Put("/schedules/{id}", s.handleScheduleUpdate)
		r.Delete("/schedules/{id}", s.handleScheduleDelete)

		r.Get("/dlq", s.handleDLQList)
		r.Get("/dlq/{id}", s.handleDLQGet)
		r.Post("/dlq/{id}/retry", s.handleDLQRetry)
		r.Post("/dlq/{id}/resolve", s.handleDLQResolve)

		r.Get("/quality", s.handleQualityList)
		r.Get("/rejects", s.handleRejectList)
		r.Get("/anomalies", s.handleAnomalyList)

		r.Post("/manifests", s.handleManifestUpsert)
		r.Get("/manifests/{domain}/{partition}", s.handleManifestList)
		r.Get("/manifests/{domain}/{partition}/latest", s.handleManifestLatest)

		r.Get("/alerts", s.handleAlertList)
		r.Post("/alerts/{id}/ack", s.handleAlertAck)
		r.Get("/alerts/channels", s.handleChannelList)
		r.Post("/alerts/channels", s.handleChannelCreate)
		r.Put("/alerts/channels/{id}", s.handleChannelUpdate)
		r.Delete("/alerts/channels/{id}", s.handleChannelDelete)

		r.Get("/events/stream", s.handleEventStream)
	})

	return r
}

// Start serves until ctx is cancelled, then drains within the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	port := 8000
	readTimeout := 30 * time.Second
	shutdownTimeout := 10 * time.Second
	if s.deps.Config != nil {
		port = s.deps.Config.API.Port
		readTimeout = s.deps.Config.API.ReadTimeout
		shutdownTimeout = s.deps.Config.API.ShutdownTimeout
	}

	s.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// No write timeout: SSE connections outlive any fixed bound
		// and manage their own lifetime.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", map[string]interface{}{"port": port})
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
