package api

import (
	"net/http"
	"strconv"
	"time"
)

// handleHealth reports overall service health without failing the
// request: degraded dependencies show up in the body, not the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, required, optional := s.runChecks(r)
	status := "healthy"
	switch {
	case required > 0:
		status = "unhealthy"
	case optional > 0:
		status = "degraded"
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"checks":         checks,
	}, nil)
}

// handleReady is the readiness probe: 503 when any required dependency
// is down, degraded (but 200) when only optional ones are.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks, required, optional := s.runChecks(r)
	body := map[string]interface{}{"checks": checks}
	switch {
	case required > 0:
		body["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Data: body, ElapsedMs: elapsedMs(r)})
	case optional > 0:
		body["status"] = "degraded"
		respond(w, r, http.StatusOK, body, nil)
	default:
		body["status"] = "ready"
		respond(w, r, http.StatusOK, body, nil)
	}
}

// handleLive only proves the process is serving requests.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]interface{}{"status": "alive"}, nil)
}

// runChecks probes the database plus any configured extra checks and
// counts required/optional failures.
func (s *Server) runChecks(r *http.Request) (results []map[string]interface{}, requiredFailures, optionalFailures int) {
	ctx := r.Context()

	checks := make([]HealthCheck, 0, len(s.deps.Checks)+1)
	if s.deps.Conn != nil {
		checks = append(checks, HealthCheck{
			Name:     "database",
			Required: true,
			Check:    s.deps.Conn.Health,
		})
	}
	checks = append(checks, s.deps.Checks...)

	for _, c := range checks {
		entry := map[string]interface{}{
			"name":     c.Name,
			"required": c.Required,
			"healthy":  true,
		}
		if err := c.Check(ctx); err != nil {
			entry["healthy"] = false
			entry["error"] = err.Error()
			if c.Required {
				requiredFailures++
			} else {
				optionalFailures++
			}
		}
		results = append(results, entry)
	}
	return results, requiredFailures, optionalFailures
}

// handleCapabilities advertises the enabled backends and tier.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"scheduler": s.deps.Schedules != nil,
		"workflows": s.deps.Workflows != nil,
		"alerts":    s.deps.Alerts != nil,
		"metrics":   s.deps.Metrics != nil,
		"sse":       s.deps.Bus != nil,
	}
	if cfg := s.deps.Config; cfg != nil {
		data["tier"] = cfg.InferTier()
		data["backends"] = map[string]string{
			"database":  cfg.Database.Backend,
			"scheduler": cfg.Scheduler.Backend,
			"cache":     cfg.Cache.Backend,
			"worker":    cfg.Worker.Backend,
			"metrics":   cfg.Metrics.Backend,
			"tracing":   cfg.Tracing.Backend,
		}
	}
	respond(w, r, http.StatusOK, data, nil)
}

func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Conn.Health(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"healthy": true,
		"dialect": s.deps.Conn.Dialect().Name(),
	}, nil)
}

func (s *Server) handleDatabaseInit(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schema.Apply(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	tables, err := s.deps.Schema.Tables(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"initialized": true,
		"tables":      tables,
	}, nil)
}

func (s *Server) handleDatabaseTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.deps.Schema.Tables(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{"tables": tables}, nil)
}

func (s *Server) handleDatabasePurge(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days < 1 {
		respondValidation(w, r, "older_than_days must be a positive integer")
		return
	}
	result, err := s.deps.Schema.Purge(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, result, nil)
}
