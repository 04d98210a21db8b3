package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/dlq"
	"github.com/ryansmccoy/spine-core-sub006/executor"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
	"github.com/ryansmccoy/spine-core-sub006/locks"
	"github.com/ryansmccoy/spine-core-sub006/manifest"
	"github.com/ryansmccoy/spine-core-sub006/quality"
	"github.com/ryansmccoy/spine-core-sub006/scheduler"
	"github.com/ryansmccoy/spine-core-sub006/store"
	"github.com/ryansmccoy/spine-core-sub006/workflow"
)

type apiEnv struct {
	srv  *httptest.Server
	bus  *bus.InProcessBus
	disp *dispatch.Dispatcher
	dlq  *dlq.Queue
}

// newAPIEnv assembles the full service over in-memory sqlite with a
// memory executor that registers an "echo" task plus a failing one.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	conn, err := store.Open("sqlite://"+filepath.Join(t.TempDir(), "spine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	schema := store.NewSchema(conn)
	require.NoError(t, schema.Apply(context.Background()))

	b := bus.NewInProcessBus(nil)

	registry := executor.NewRegistry(nil)
	require.NoError(t, registry.Register(core.KindTask, "echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params}, nil
	}))
	require.NoError(t, registry.Register(core.KindTask, "broken", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, core.NewError(core.CategoryInternal, "handler exploded")
	}))
	exec := executor.NewMemory(registry, executor.Config{})

	l := ledger.New(conn, nil)
	q := dlq.New(conn, nil)
	d := dispatch.New(l, b, exec, q, locks.New(conn, nil), &dispatch.Config{MaxRetries: 0})
	t.Cleanup(func() {
		_ = d.Close()
		_ = exec.Close()
		_ = b.Close()
	})

	cfg := core.DefaultConfig()
	cfg.API.DevMode = true

	server := NewServer(Deps{
		Config:     cfg,
		Conn:       conn,
		Schema:     schema,
		Dispatcher: d,
		Workflows:  workflow.NewRegistry(conn, nil),
		Steps:      workflow.NewStepStore(conn, nil),
		Schedules:  scheduler.NewRepository(conn, nil),
		DLQ:        q,
		Quality:    quality.NewRecorder(conn, nil),
		Rejects:    quality.NewRejects(conn, nil),
		Anomalies:  quality.NewAnomalies(conn, nil),
		Alerts:     alert.NewManager(conn, nil),
		Manifests:  manifest.New(conn, nil, nil),
		Bus:        b,
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &apiEnv{srv: ts, bus: b, disp: d, dlq: q}
}

func (e *apiEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestSubmitAndGetRun(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
		"kind":   "task",
		"name":   "echo",
		"params": map[string]interface{}{"x": 1},
		"sync":   true,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	assert.NotEmpty(t, resp.Header.Get(HeaderProcessTime))

	data := body["data"].(map[string]interface{})
	runID := data["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, true, data["would_execute"])

	resp, body = env.request(t, "GET", "/api/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["data"].(map[string]interface{})
	assert.Equal(t, "COMPLETED", run["status"])

	resp, body = env.request(t, "GET", "/api/v1/runs/"+runID+"/events", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["data"].([]interface{})
	require.NotEmpty(t, events)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "CREATED", first["event_type"])
}

func TestSubmitUnknownKind(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
		"kind": "banana",
		"name": "echo",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION", errBody["code"])
}

func TestSubmitNoHandler(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
		"kind": "task",
		"name": "missing",
		"sync": true,
	})
	// The run exists; its failure is on the row.
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["run_id"])
}

func TestRunNotFound(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, "GET", "/api/v1/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "NOT_FOUND", errBody["code"])
}

func TestListRunsPagination(t *testing.T) {
	env := newAPIEnv(t)
	for i := 0; i < 5; i++ {
		_, _ = env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
			"kind": "task", "name": "echo", "sync": true,
		})
	}

	resp, body := env.request(t, "GET", "/api/v1/runs?limit=2&offset=0", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["data"].([]interface{})
	assert.Len(t, runs, 2)
	page := body["page"].(map[string]interface{})
	assert.Equal(t, float64(5), page["total"])
	assert.Equal(t, true, page["has_more"])
}

func TestCancelPendingRunIdempotent(t *testing.T) {
	env := newAPIEnv(t)
	// Async submit of a missing handler leaves a row we can cancel
	// after it fails; on terminal rows cancel is a no-op.
	_, body := env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
		"kind": "task", "name": "echo", "sync": true,
	})
	runID := body["data"].(map[string]interface{})["run_id"].(string)

	resp, cancelled := env.request(t, "POST", "/api/v1/runs/"+runID+"/cancel", map[string]interface{}{"reason": "test"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	run := cancelled["data"].(map[string]interface{})
	assert.Equal(t, "COMPLETED", run["status"])
}

func TestHealthAndCapabilities(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["data"].(map[string]interface{})["status"])

	resp, body = env.request(t, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["data"].(map[string]interface{})["status"])

	resp, body = env.request(t, "GET", "/api/v1/capabilities", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	caps := body["data"].(map[string]interface{})
	assert.Equal(t, true, caps["workflows"])
	backends := caps["backends"].(map[string]interface{})
	assert.Equal(t, "sqlite", backends["database"])
}

func TestDatabaseEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, "GET", "/api/v1/database/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sqlite", body["data"].(map[string]interface{})["dialect"])

	resp, body = env.request(t, "GET", "/api/v1/database/tables", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tables := body["data"].(map[string]interface{})["tables"].([]interface{})
	assert.Contains(t, tables, "core_executions")

	resp, _ = env.request(t, "POST", "/api/v1/database/purge", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, "POST", "/api/v1/database/purge?older_than_days=30", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleCRUD(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, "POST", "/api/v1/schedules", map[string]interface{}{
		"name":            "nightly",
		"target_type":     "TASK",
		"target_name":     "echo",
		"schedule_type":   "CRON",
		"cron_expression": "0 9 * * *",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := body["data"].(map[string]interface{})
	id := created["id"].(string)
	assert.NotEmpty(t, created["next_run_at"])

	resp, body = env.request(t, "GET", "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.request(t, "PUT", "/api/v1/schedules/"+id, map[string]interface{}{
		"name":             "nightly",
		"target_type":      "TASK",
		"target_name":      "echo",
		"schedule_type":    "INTERVAL",
		"interval_seconds": 600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := body["data"].(map[string]interface{})
	assert.Equal(t, "INTERVAL", updated["schedule_type"])

	resp, _ = env.request(t, "DELETE", "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, "GET", "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleValidation(t *testing.T) {
	env := newAPIEnv(t)
	// CRON type without an expression fails construction.
	resp, body := env.request(t, "POST", "/api/v1/schedules", map[string]interface{}{
		"name":          "bad",
		"target_type":   "TASK",
		"target_name":   "echo",
		"schedule_type": "CRON",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION", errBody["code"])
}

func TestAlertChannelCRUDAndAck(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, "POST", "/api/v1/alerts/channels", map[string]interface{}{
		"name":         "ops-console",
		"channel_type": "console",
		"min_severity": "INFO",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	channelID := body["data"].(map[string]interface{})["id"].(string)

	resp, body = env.request(t, "GET", "/api/v1/alerts/channels", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].([]interface{}), 1)

	resp, _ = env.request(t, "DELETE", "/api/v1/alerts/channels/"+channelID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.request(t, "POST", "/api/v1/alerts/no-such-alert/ack", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDLQEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	entry, err := env.dlq.Add(context.Background(), "run-1", "broken", map[string]interface{}{"x": 1}, "boom", 3, 3)
	require.NoError(t, err)

	resp, body := env.request(t, "GET", "/api/v1/dlq", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].([]interface{}), 1)

	resp, body = env.request(t, "POST", "/api/v1/dlq/"+entry.ID+"/resolve", map[string]interface{}{"resolved_by": "oncall"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := body["data"].(map[string]interface{})
	assert.NotEmpty(t, resolved["resolved_at"])
}

func TestEventStreamDeliversAndFilters(t *testing.T) {
	env := newAPIEnv(t)

	req, err := http.NewRequest("GET", env.srv.URL+"/api/v1/events/stream?types=run.*", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	readFrame := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
	}

	var connected map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(readFrame()), &connected))
	assert.Equal(t, "connected", connected["event_type"])

	// A non-matching event must not appear before the matching one.
	require.NoError(t, env.bus.Publish(context.Background(), bus.Event{
		Type: "workflow.step.started", RunID: "r0", Timestamp: time.Now(),
	}))
	require.NoError(t, env.bus.Publish(context.Background(), bus.Event{
		Type: "run.completed", RunID: "r1", Timestamp: time.Now(),
		Data: map[string]interface{}{"workflow": "echo"},
	}))

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(readFrame()), &ev))
	assert.Equal(t, "run.completed", ev["event_type"])
	assert.Equal(t, "r1", ev["run_id"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, "GET", "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	errBody, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "error envelope must carry an error object, got %v", body)
	assert.Equal(t, "NOT_FOUND", errBody["code"])
	assert.NotEmpty(t, errBody["message"])
	// Error responses carry no success fields.
	_, hasData := body["data"]
	assert.False(t, hasData)
}

func TestRequestIDEcho(t *testing.T) {
	env := newAPIEnv(t)
	req, err := http.NewRequest("GET", env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-abc-123")

	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc-123", resp.Header.Get(HeaderRequestID))
}

func TestRunLogs(t *testing.T) {
	env := newAPIEnv(t)
	_, body := env.request(t, "POST", "/api/v1/runs", map[string]interface{}{
		"kind": "task", "name": "broken", "sync": true,
	})
	runID := body["data"].(map[string]interface{})["run_id"].(string)

	resp, body := env.request(t, "GET", fmt.Sprintf("/api/v1/runs/%s/logs", runID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	lines := body["data"].(map[string]interface{})["lines"].([]interface{})
	require.NotEmpty(t, lines)
	joined := fmt.Sprint(lines...)
	assert.Contains(t, joined, "[CREATED]")
	assert.Contains(t, joined, "handler exploded")
}

func TestManifestUpsertAndRead(t *testing.T) {
	env := newAPIEnv(t)

	for _, stage := range []string{"ingested", "validated"} {
		resp, _ := env.request(t, "POST", "/api/v1/manifests", map[string]interface{}{
			"domain":        "filings",
			"partition_key": "2026-Q2",
			"stage":         stage,
			"row_count":     120,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := env.request(t, "GET", "/api/v1/manifests/filings/2026-Q2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["data"].([]interface{})
	require.Len(t, entries, 2)

	resp, body = env.request(t, "GET", "/api/v1/manifests/filings/2026-Q2/latest", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	latest := body["data"].(map[string]interface{})
	assert.Equal(t, "validated", latest["stage"])

	resp, body = env.request(t, "GET", "/api/v1/manifests/filings/nowhere/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]interface{})["code"])
}

func TestManifestValidation(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, "POST", "/api/v1/manifests", map[string]interface{}{
		"domain": "filings",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["error"].(map[string]interface{})["code"])
}
