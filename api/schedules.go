package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/scheduler"
)

// scheduleRequest is the create/update body. Exactly one of
// cron_expression and interval_seconds must match schedule_type;
// Schedule.Validate enforces that pairing.
type scheduleRequest struct {
	Name                string                 `json:"name" validate:"required"`
	TargetType          string                 `json:"target_type" validate:"required,oneof=TASK OPERATION WORKFLOW"`
	TargetName          string                 `json:"target_name" validate:"required"`
	ScheduleType        string                 `json:"schedule_type" validate:"required,oneof=CRON INTERVAL"`
	CronExpression      string                 `json:"cron_expression"`
	IntervalSeconds     int                    `json:"interval_seconds"`
	Timezone            string                 `json:"timezone"`
	Enabled             *bool                  `json:"enabled"`
	MisfireGraceSeconds int                    `json:"misfire_grace_seconds"`
	Params              map[string]interface{} `json:"params"`
	CreatedBy           string                 `json:"created_by"`
}

func (s *Server) schedulesEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Schedules == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "scheduler is not enabled"))
		return false
	}
	return true
}

func (s *Server) decodeSchedule(w http.ResponseWriter, r *http.Request) (*scheduler.Schedule, bool) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, r, "invalid JSON body")
		return nil, false
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, r, fmt.Sprintf("invalid schedule: %v", err))
		return nil, false
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &scheduler.Schedule{
		Name:                req.Name,
		TargetType:          scheduler.TargetType(req.TargetType),
		TargetName:          req.TargetName,
		ScheduleType:        scheduler.ScheduleType(req.ScheduleType),
		CronExpression:      req.CronExpression,
		IntervalSeconds:     req.IntervalSeconds,
		Timezone:            req.Timezone,
		Enabled:             enabled,
		MisfireGraceSeconds: req.MisfireGraceSeconds,
		Params:              req.Params,
		CreatedBy:           req.CreatedBy,
	}, true
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w, r) {
		return
	}
	limit, offset := listWindow(r)
	f := scheduler.Filter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		f.Enabled = &enabled
	}
	if v := r.URL.Query().Get("target_type"); v != "" {
		f.TargetType = scheduler.TargetType(v)
	}

	schedules, err := s.deps.Schedules.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, schedules, nil)
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w, r) {
		return
	}
	sched, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	created, err := s.deps.Schedules.Create(r.Context(), sched)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, created, nil)
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w, r) {
		return
	}
	sched, err := s.deps.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, sched, nil)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w, r) {
		return
	}
	existing, err := s.deps.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	sched, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	sched.ID = existing.ID
	sched.Version = existing.Version

	updated, err := s.deps.Schedules.Update(r.Context(), sched)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, updated, nil)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.schedulesEnabled(w, r) {
		return
	}
	if err := s.deps.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{"deleted": true}, nil)
}
