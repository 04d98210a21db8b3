package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestWebhookChannelPostsAlertJSON(t *testing.T) {
	var got Alert
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel("hooks", srv.URL, time.Second)
	require.NoError(t, err)

	err = ch.Send(context.Background(), &Alert{
		ID:       "a-1",
		Severity: SeverityError,
		Title:    "Run failed: weekly_report",
		Message:  "source returned 503",
		Domain:   "filings",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "a-1", got.ID)
	assert.Equal(t, SeverityError, got.Severity)
	assert.Equal(t, "Run failed: weekly_report", got.Title)
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel("hooks", srv.URL, time.Second)
	require.NoError(t, err)

	err = ch.Send(context.Background(), &Alert{ID: "a-1", Severity: SeverityError, Title: "x"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryUnavailable, core.CategoryOf(err))
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookChannelUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ch, err := NewWebhookChannel("hooks", url, time.Second)
	require.NoError(t, err)

	err = ch.Send(context.Background(), &Alert{ID: "a-1", Severity: SeverityError, Title: "x"})
	require.Error(t, err)
	assert.Equal(t, core.CategoryUnavailable, core.CategoryOf(err))
}

func TestSlackChannelPostsWebhookMessage(t *testing.T) {
	var payload struct {
		Username    string `json:"username"`
		Channel     string `json:"channel"`
		Attachments []struct {
			Color string `json:"color"`
			Title string `json:"title"`
			Text  string `json:"text"`
		} `json:"attachments"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ch, err := NewSlackChannel("slack", srv.URL, "#ops", "spine")
	require.NoError(t, err)

	err = ch.Send(context.Background(), &Alert{
		ID:        "a-1",
		Severity:  SeverityCritical,
		Title:     "Run dead-lettered: weekly_report",
		Message:   "retries exhausted",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "spine", payload.Username)
	assert.Equal(t, "#ops", payload.Channel)
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "danger", payload.Attachments[0].Color)
	assert.Contains(t, payload.Attachments[0].Title, "CRITICAL")
	assert.Equal(t, "retries exhausted", payload.Attachments[0].Text)
}
