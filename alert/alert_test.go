package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

func TestFingerprintGroupsRepeats(t *testing.T) {
	a := Fingerprint(SeverityError, "dispatcher", "Run failed: weekly_report", "filings")
	b := Fingerprint(SeverityError, "dispatcher", "Run failed: weekly_report", "filings")
	assert.Equal(t, a, b, "same incident, same fingerprint")
	assert.Len(t, a, 16)

	c := Fingerprint(SeverityError, "dispatcher", "Run failed: nightly_sync", "filings")
	assert.NotEqual(t, a, c, "different title, different fingerprint")

	d := Fingerprint(SeverityCritical, "dispatcher", "Run failed: weekly_report", "filings")
	assert.NotEqual(t, a, d, "severity is part of the identity")
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityAtLeast(SeverityCritical, SeverityInfo))
	assert.True(t, SeverityAtLeast(SeverityError, SeverityError))
	assert.True(t, SeverityAtLeast(SeverityWarning, SeverityInfo))
	assert.False(t, SeverityAtLeast(SeverityInfo, SeverityWarning))
	assert.False(t, SeverityAtLeast(SeverityWarning, SeverityCritical))
	assert.False(t, SeverityAtLeast("LOUD", SeverityInfo), "unknown severities never pass")
	assert.False(t, SeverityAtLeast(SeverityError, "LOUD"))
}

func TestAlertValidate(t *testing.T) {
	err := (&Alert{Severity: SeverityError}).Validate()
	require.Error(t, err)
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	err = (&Alert{Title: "x", Severity: "LOUD"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown alert severity")

	require.NoError(t, (&Alert{Title: "x", Severity: SeverityInfo}).Validate())
}

func TestChannelRecordValidate(t *testing.T) {
	rec := &ChannelRecord{Name: "ops", Type: TypeConsole, MinSeverity: SeverityWarning}
	require.NoError(t, rec.Validate())

	assert.Error(t, (&ChannelRecord{Type: TypeConsole}).Validate())
	assert.Error(t, (&ChannelRecord{Name: "x", Type: "pager"}).Validate())
	assert.Error(t, (&ChannelRecord{Name: "x", Type: TypeConsole, MinSeverity: "LOUD"}).Validate())
	assert.Error(t, (&ChannelRecord{Name: "x", Type: TypeConsole, ThrottleMinutes: -1}).Validate())
}

func TestBuildChannelConfigs(t *testing.T) {
	ch, err := buildChannel(&ChannelRecord{Name: "log", Type: TypeConsole}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeConsole, ch.Type())

	_, err = buildChannel(&ChannelRecord{Name: "hook", Type: TypeWebhook}, nil)
	require.Error(t, err, "webhook needs a url")
	assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))

	ch, err = buildChannel(&ChannelRecord{
		Name:   "hook",
		Type:   TypeWebhook,
		Config: map[string]interface{}{"url": "https://ops.example.com/hook", "timeout_seconds": 5},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeWebhook, ch.Type())

	_, err = buildChannel(&ChannelRecord{Name: "slack", Type: TypeSlack}, nil)
	require.Error(t, err, "slack needs a webhook_url")

	ch, err = buildChannel(&ChannelRecord{
		Name:   "slack",
		Type:   TypeSlack,
		Config: map[string]interface{}{"webhook_url": "https://hooks.slack.com/services/T/B/X"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeSlack, ch.Type())
}
