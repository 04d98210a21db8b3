package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
)

// submitRequest is the POST /runs body.
type submitRequest struct {
	Kind           string                 `json:"kind" validate:"required,oneof=task operation workflow"`
	Name           string                 `json:"name" validate:"required"`
	Params         map[string]interface{} `json:"params"`
	Lane           string                 `json:"lane"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CorrelationID  string                 `json:"correlation_id"`
	Sync           bool                   `json:"sync"`
}

func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, r, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, r, fmt.Sprintf("invalid submission: %v", err))
		return
	}

	opts := dispatch.SubmitOptions{
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Lane:           req.Lane,
		TriggerSource:  core.TriggerAPI,
		Sync:           req.Sync,
	}
	spec := core.WorkSpec{
		Kind:   core.WorkKind(req.Kind),
		Name:   req.Name,
		Params: req.Params,
	}

	var (
		exec *core.Execution
		err  error
	)
	if spec.Kind == core.KindWorkflow {
		exec, err = s.deps.Dispatcher.SubmitWorkflow(r.Context(), spec.Name, spec.Params, opts)
	} else {
		exec, err = s.deps.Dispatcher.Submit(r.Context(), spec, opts)
	}
	// Sync submits surface the run's own failure; the row still
	// exists and belongs in the response.
	if err != nil && exec == nil {
		respondError(w, r, err)
		return
	}

	respond(w, r, http.StatusAccepted, map[string]interface{}{
		"run_id":        exec.ID,
		"status":        exec.Status,
		"would_execute": true,
	}, nil)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	q := r.URL.Query()
	f := ledger.Filter{
		Status:        core.ExecutionStatus(q.Get("status")),
		Workflow:      q.Get("workflow"),
		TriggerSource: core.TriggerSource(q.Get("trigger_source")),
		Lane:          q.Get("lane"),
		Limit:         limit,
		Offset:        offset,
	}

	runs, err := s.deps.Dispatcher.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	total, err := s.deps.Dispatcher.Count(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, runs, newPage(total, limit, offset, len(runs)))
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, exec, nil)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	exec, err := s.deps.Dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, exec, nil)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			since = n
		}
	}
	events, err := s.deps.Dispatcher.Events(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, events, nil)
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Steps == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "workflow steps are not enabled"))
		return
	}
	id := chi.URLParam(r, "id")
	// 404 for unknown runs, empty list for non-workflow runs.
	if _, err := s.deps.Dispatcher.Get(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	steps, err := s.deps.Steps.ListByRun(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, steps, nil)
}

// handleRunLogs renders the run's event trail as human-readable lines.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Dispatcher.Get(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	events, err := s.deps.Dispatcher.Events(r.Context(), id, 0)
	if err != nil {
		respondError(w, r, err)
		return
	}

	lines := make([]string, 0, len(events))
	for _, ev := range events {
		line := fmt.Sprintf("%s [%s]", ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), ev.EventType)
		if msg, ok := ev.Data["error"].(string); ok && msg != "" {
			line += " " + msg
		} else if msg, ok := ev.Data["message"].(string); ok && msg != "" {
			line += " " + msg
		}
		lines = append(lines, line)
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"run_id": id,
		"lines":  lines,
	}, nil)
}
