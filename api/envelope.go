package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Page carries list pagination metadata.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Envelope is the success response wrapper.
type Envelope struct {
	Data      interface{} `json:"data"`
	Page      *Page       `json:"page,omitempty"`
	ElapsedMs float64     `json:"elapsed_ms"`
	Warnings  []string    `json:"warnings,omitempty"`
}

// ErrorBody is the error response wrapper.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the category code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error category to its HTTP status.
func statusFor(cat core.Category) int {
	switch cat {
	case core.CategoryValidation:
		return http.StatusBadRequest
	case core.CategoryNotFound:
		return http.StatusNotFound
	case core.CategoryConflict:
		return http.StatusConflict
	case core.CategoryRateLimited:
		return http.StatusTooManyRequests
	case core.CategoryUnavailable, core.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respond writes a success envelope. elapsed comes from the request
// start stamped by the timing middleware.
func respond(w http.ResponseWriter, r *http.Request, status int, data interface{}, page *Page) {
	env := Envelope{
		Data:      data,
		Page:      page,
		ElapsedMs: elapsedMs(r),
	}
	writeJSON(w, status, env)
}

// respondError maps the error's category to a status and writes the
// error envelope. Rate-limit errors carry a Retry-After header when
// the wait is known.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	cat := core.CategoryOf(err)
	status := statusFor(cat)
	if cat == core.CategoryRateLimited {
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.Wait > 0 {
			secs := int(rl.Wait.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{
		Code:    string(cat),
		Message: err.Error(),
	}})
}

// respondValidation is the shortcut for request-shape failures.
func respondValidation(w http.ResponseWriter, r *http.Request, msg string) {
	respondError(w, r, core.NewError(core.CategoryValidation, msg))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RateLimitedError is a RATE_LIMITED error that knows how long the
// caller should back off.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded"
}

// Unwrap ties the error into the category chain.
func (e *RateLimitedError) Unwrap() error {
	return core.ErrRateLimitExceeded
}

// newPage builds pagination metadata from a total count and the
// requested window.
func newPage(total, limit, offset, returned int) *Page {
	return &Page{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+returned < total,
	}
}

// listWindow reads limit/offset query params with the API defaults.
func listWindow(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
