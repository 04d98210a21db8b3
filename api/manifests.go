package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/manifest"
)

type manifestRequest struct {
	Domain       string                 `json:"domain" validate:"required"`
	PartitionKey string                 `json:"partition_key" validate:"required"`
	Stage        string                 `json:"stage" validate:"required"`
	RowCount     int                    `json:"row_count" validate:"gte=0"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
	BatchID      string                 `json:"batch_id,omitempty"`
}

func (s *Server) handleManifestUpsert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manifests == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "manifest tracking is not configured"))
		return
	}
	var req manifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, core.Wrap(core.CategoryValidation, "invalid request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, r, fmt.Sprintf("invalid manifest: %v", err))
		return
	}

	entry := &manifest.Entry{
		Domain:       req.Domain,
		PartitionKey: req.PartitionKey,
		Stage:        req.Stage,
		RowCount:     req.RowCount,
		Metrics:      req.Metrics,
		ExecutionID:  req.ExecutionID,
		BatchID:      req.BatchID,
	}
	if err := s.deps.Manifests.Upsert(r.Context(), entry); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entry, nil)
}

func (s *Server) handleManifestList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manifests == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "manifest tracking is not configured"))
		return
	}
	entries, err := s.deps.Manifests.List(r.Context(), chi.URLParam(r, "domain"), chi.URLParam(r, "partition"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, entries, nil)
}

func (s *Server) handleManifestLatest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manifests == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "manifest tracking is not configured"))
		return
	}
	entry, err := s.deps.Manifests.Latest(r.Context(), chi.URLParam(r, "domain"), chi.URLParam(r, "partition"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entry == nil {
		respondError(w, r, core.NewError(core.CategoryNotFound, "partition has no manifest rows"))
		return
	}
	respond(w, r, http.StatusOK, entry, nil)
}
