package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/dlq"
	"github.com/ryansmccoy/spine-core-sub006/quality"
)

// --- dead letters ---

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	f := dlq.Filter{
		Workflow: r.URL.Query().Get("workflow"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved := v == "true" || v == "1"
		f.Resolved = &resolved
	}

	entries, err := s.deps.DLQ.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	total, err := s.deps.DLQ.Count(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entries, newPage(total, limit, offset, len(entries)))
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.DLQ.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entry, nil)
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Dispatcher.RetryFromDLQ(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusAccepted, map[string]interface{}{
		"run_id": exec.ID,
		"status": exec.Status,
	}, nil)
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "api"
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.DLQ.Resolve(r.Context(), id, body.ResolvedBy); err != nil {
		respondError(w, r, err)
		return
	}
	entry, err := s.deps.DLQ.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entry, nil)
}

// --- quality / rejects / anomalies ---

func (s *Server) handleQualityList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	q := r.URL.Query()
	results, err := s.deps.Quality.List(r.Context(), quality.ResultFilter{
		Status:      quality.Status(q.Get("status")),
		CheckName:   q.Get("check"),
		Domain:      q.Get("domain"),
		Table:       q.Get("table"),
		ExecutionID: q.Get("execution_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, results, nil)
}

func (s *Server) handleRejectList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	q := r.URL.Query()
	rejects, err := s.deps.Rejects.List(r.Context(), quality.RejectFilter{
		Domain:      q.Get("domain"),
		Table:       q.Get("table"),
		ExecutionID: q.Get("execution_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rejects, nil)
}

func (s *Server) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	q := r.URL.Query()
	anomalies, err := s.deps.Anomalies.List(r.Context(), quality.AnomalyFilter{
		Domain:      q.Get("domain"),
		Metric:      q.Get("metric"),
		Severity:    q.Get("severity"),
		ExecutionID: q.Get("execution_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, anomalies, nil)
}

// --- alerts ---

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	q := r.URL.Query()
	f := alert.Filter{
		Severity:       q.Get("severity"),
		Source:         q.Get("source"),
		Domain:         q.Get("domain"),
		ExecutionID:    q.Get("execution_id"),
		Unacknowledged: q.Get("unacknowledged") == "true",
		Unresolved:     q.Get("unresolved") == "true",
		Limit:          limit,
		Offset:         offset,
	}
	alerts, err := s.deps.Alerts.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, alerts, nil)
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By string `json:"by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.By == "" {
		body.By = "api"
	}

	acked, err := s.deps.Alerts.Ack(r.Context(), chi.URLParam(r, "id"), body.By)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, acked, nil)
}

// channelRequest is the alert channel create/update body.
type channelRequest struct {
	Name            string                 `json:"name" validate:"required"`
	Type            string                 `json:"channel_type" validate:"required"`
	Config          map[string]interface{} `json:"config"`
	MinSeverity     string                 `json:"min_severity"`
	ThrottleMinutes int                    `json:"throttle_minutes"`
	Enabled         *bool                  `json:"enabled"`
}

func (s *Server) decodeChannel(w http.ResponseWriter, r *http.Request) (*alert.ChannelRecord, bool) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, r, "invalid JSON body")
		return nil, false
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, r, fmt.Sprintf("invalid channel: %v", err))
		return nil, false
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	minSeverity := req.MinSeverity
	if minSeverity == "" {
		minSeverity = alert.SeverityWarning
	}
	return &alert.ChannelRecord{
		Name:            req.Name,
		Type:            req.Type,
		Config:          req.Config,
		MinSeverity:     minSeverity,
		ThrottleMinutes: req.ThrottleMinutes,
		Enabled:         enabled,
	}, true
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Alerts.ListChannels(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, channels, nil)
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.decodeChannel(w, r)
	if !ok {
		return
	}
	created, err := s.deps.Alerts.CreateChannel(r.Context(), rec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, created, nil)
}

func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.decodeChannel(w, r)
	if !ok {
		return
	}
	rec.ID = chi.URLParam(r, "id")

	updated, err := s.deps.Alerts.UpdateChannel(r.Context(), rec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, updated, nil)
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alerts.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{"deleted": true}, nil)
}
