package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

type ctxKey int

const (
	ctxKeyStart ctxKey = iota
	ctxKeyRequestID
)

// HeaderRequestID is accepted on input and echoed on every response.
const HeaderRequestID = "X-Request-ID"

// HeaderProcessTime reports server-side handling time in milliseconds.
const HeaderProcessTime = "X-Process-Time-Ms"

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher to support SSE streaming.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// requestIDMiddleware accepts an incoming X-Request-ID, mints one when
// absent, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// timingMiddleware stamps the start time into the context (the
// envelope's elapsed_ms reads it) and trailers the total handling time
// on the response header.
func timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := context.WithValue(r.Context(), ctxKeyStart, start)

		// The header must be written before the body starts, so it
		// reports time-to-first-byte rather than full handling time
		// for streamed responses.
		hw := &headerTimer{ResponseWriter: w, start: start}
		next.ServeHTTP(hw, r.WithContext(ctx))
	})
}

// headerTimer sets X-Process-Time-Ms just before the first write.
type headerTimer struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (h *headerTimer) WriteHeader(code int) {
	h.stamp()
	h.ResponseWriter.WriteHeader(code)
}

func (h *headerTimer) Write(b []byte) (int, error) {
	h.stamp()
	return h.ResponseWriter.Write(b)
}

func (h *headerTimer) Flush() {
	if flusher, ok := h.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *headerTimer) stamp() {
	if !h.stamped {
		h.stamped = true
		ms := float64(time.Since(h.start).Microseconds()) / 1000.0
		h.Header().Set(HeaderProcessTime, fmt.Sprintf("%.2f", ms))
	}
}

// elapsedMs returns milliseconds since the timing middleware saw the
// request.
func elapsedMs(r *http.Request) float64 {
	if start, ok := r.Context().Value(ctxKeyStart).(time.Time); ok {
		return float64(time.Since(start).Microseconds()) / 1000.0
	}
	return 0
}

// requestID returns the request's id, empty when the middleware did
// not run.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// loggingMiddleware logs requests. Dev mode logs everything; production
// logs only errors and slow requests.
func loggingMiddleware(logger core.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode ||
				wrapped.statusCode >= 400 ||
				duration > time.Second
			if !shouldLog || logger == nil {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"request_id":  requestID(r),
				"remote_addr": r.RemoteAddr,
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.Error("http request error", fields)
			case wrapped.statusCode >= 400:
				logger.Warn("http request client error", fields)
			case duration > time.Second:
				logger.Warn("http request slow", fields)
			default:
				logger.Info("http request", fields)
			}
		})
	}
}

// recoveryMiddleware converts handler panics into 500 envelopes.
func recoveryMiddleware(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.Error("http handler panic", map[string]interface{}{
							"panic":      fmt.Sprint(rec),
							"path":       r.URL.Path,
							"request_id": requestID(r),
							"stack":      string(debug.Stack()),
						})
					}
					respondError(w, r, core.Errorf(core.CategoryInternal, "internal error: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
