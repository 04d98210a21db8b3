package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// handleEventStream serves GET /events/stream. Each bus event matching
// the run_id and types filters is written as one `data: <json>` frame;
// a comment heartbeat goes out every 30s.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		respondError(w, r, core.NewError(core.CategoryUnavailable, "event stream is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, core.NewError(core.CategoryInternal, "streaming unsupported by connection"))
		return
	}

	q := r.URL.Query()
	runID := q.Get("run_id")
	patterns := splitPatterns(q.Get("types"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "data: {\"event_type\":\"connected\"}\n\n")
	flusher.Flush()

	// The subscriber goroutine hands events to this request goroutine;
	// all writes to w stay on one goroutine.
	events := make(chan bus.Event, 64)
	subID, err := s.deps.Bus.Subscribe("*", func(ctx context.Context, ev bus.Event) error {
		if runID != "" && ev.RunID != runID {
			return nil
		}
		if !matchesAny(patterns, ev.Type) {
			return nil
		}
		select {
		case events <- ev:
		default:
			// A stalled client drops events rather than the bus.
		}
		return nil
	})
	if err != nil {
		return
	}
	defer func() { _ = s.deps.Bus.Unsubscribe(subID) }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(map[string]interface{}{
				"event_type": ev.Type,
				"run_id":     ev.RunID,
				"timestamp":  ev.Timestamp.UTC(),
				"data":       ev.Data,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// splitPatterns parses the comma-separated types filter.
func splitPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// matchesAny applies the bus's dot-glob matching; no patterns means
// every event passes.
func matchesAny(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if bus.Match(p, eventType) {
			return true
		}
	}
	return false
}
