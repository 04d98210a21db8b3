package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func (s *Server) workflowsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Workflows == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "workflow registry is not enabled"))
		return false
	}
	return true
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	if !s.workflowsEnabled(w, r) {
		return
	}
	wfs, err := s.deps.Workflows.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Listings stay light: step graphs come from the detail endpoint.
	type summary struct {
		Name        string   `json:"name"`
		Domain      string   `json:"domain,omitempty"`
		Description string   `json:"description,omitempty"`
		Version     int      `json:"version"`
		Tags        []string `json:"tags,omitempty"`
		StepCount   int      `json:"step_count"`
	}
	out := make([]summary, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, summary{
			Name:        wf.Name,
			Domain:      wf.Domain,
			Description: wf.Description,
			Version:     wf.Version,
			Tags:        wf.Tags,
			StepCount:   len(wf.Steps),
		})
	}
	respond(w, r, http.StatusOK, out, nil)
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	if !s.workflowsEnabled(w, r) {
		return
	}
	wf, err := s.deps.Workflows.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, wf, nil)
}
