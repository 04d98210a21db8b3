package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// DefaultDisableThreshold is how many consecutive delivery failures
// disable a channel.
const DefaultDisableThreshold = 5

// Config tunes the manager.
type Config struct {
	// DisableThreshold is the consecutive-failure count that disables
	// a channel. Zero means the default of 5.
	DisableThreshold int
	Logger           core.Logger
	Telemetry        core.Telemetry
}

// Filter narrows List.
type Filter struct {
	Severity       string
	Source         string
	Domain         string
	ExecutionID    string
	Unacknowledged bool
	Unresolved     bool
	Limit          int
	Offset         int
}

// Manager persists alerts and fans them out to the configured
// channels.
type Manager struct {
	conn      *store.Connection
	repo      *store.Repository
	threshold int
	logger    core.Logger
	tele      core.Telemetry

	// build constructs the sender for a channel row. Tests swap it to
	// observe deliveries without real destinations.
	build func(rec *ChannelRecord, logger core.Logger) (Channel, error)
}

// NewManager creates an alert manager over a connection.
func NewManager(conn *store.Connection, cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	threshold := cfg.DisableThreshold
	if threshold <= 0 {
		threshold = DefaultDisableThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	tele := cfg.Telemetry
	if tele == nil {
		tele = &core.NoOpTelemetry{}
	}
	return &Manager{
		conn:      conn,
		repo:      store.NewRepository(conn),
		threshold: threshold,
		logger:    logger,
		tele:      tele,
		build:     buildChannel,
	}
}

// Raise persists the alert and attempts delivery on every enabled
// channel that accepts its severity and is not throttling the
// fingerprint. Delivery problems are recorded and logged, never
// returned; raising must not fail because a destination is down.
func (m *Manager) Raise(ctx context.Context, alert *Alert) (*Alert, error) {
	if alert.Severity == "" {
		alert.Severity = SeverityWarning
	}
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	alert.ID = core.NewID()
	alert.CreatedAt = time.Now().UTC()
	if alert.Fingerprint == "" {
		alert.Fingerprint = Fingerprint(alert.Severity, alert.Source, alert.Title, alert.Domain)
	}

	err := m.repo.Insert(ctx, "core_alerts", map[string]interface{}{
		"id":           alert.ID,
		"severity":     alert.Severity,
		"title":        alert.Title,
		"message":      alert.Message,
		"source":       alert.Source,
		"domain":       alert.Domain,
		"execution_id": alert.ExecutionID,
		"fingerprint":  alert.Fingerprint,
		"metadata":     store.EncodeJSON(alert.Metadata),
		"created_at":   alert.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record alert: %w", err)
	}
	m.tele.RecordMetric("alerts_raised_total", 1, map[string]string{"severity": alert.Severity})

	channels, err := m.ListChannels(ctx)
	if err != nil {
		m.logger.Error("Failed to load alert channels", map[string]interface{}{
			"operation": "alert_raise",
			"alert_id":  alert.ID,
			"error":     err.Error(),
		})
		return alert, nil
	}
	now := time.Now().UTC()
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		if !SeverityAtLeast(alert.Severity, ch.MinSeverity) {
			continue
		}
		throttled, err := m.throttled(ctx, alert.Fingerprint, ch.ID, ch.ThrottleMinutes, now)
		if err != nil {
			m.logger.Warn("Throttle check failed", map[string]interface{}{
				"operation": "alert_raise",
				"channel":   ch.Name,
				"error":     err.Error(),
			})
		}
		if throttled {
			continue
		}
		m.deliver(ctx, alert, ch)
	}
	return alert, nil
}

// throttled reports whether the channel delivered this fingerprint
// within its throttle window.
func (m *Manager) throttled(ctx context.Context, fingerprint, channelID string, throttleMinutes int, now time.Time) (bool, error) {
	if throttleMinutes <= 0 {
		return false, nil
	}
	row, err := m.conn.QueryOne(ctx,
		`SELECT created_at FROM core_alert_deliveries
		  WHERE fingerprint = ? AND channel_id = ? AND success = 1
		  ORDER BY created_at DESC LIMIT 1`,
		fingerprint, channelID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	last := store.AsTime(m.conn.Dialect(), row, "created_at")
	return now.Sub(last) < time.Duration(throttleMinutes)*time.Minute, nil
}

// deliver sends on one channel, records the attempt, and maintains the
// channel's consecutive-failure count.
func (m *Manager) deliver(ctx context.Context, alert *Alert, rec *ChannelRecord) {
	sender, err := m.build(rec, m.logger)
	if err == nil {
		err = sender.Send(ctx, alert)
	}

	attempt := map[string]interface{}{
		"id":          core.NewID(),
		"alert_id":    alert.ID,
		"channel_id":  rec.ID,
		"fingerprint": alert.Fingerprint,
		"success":     boolInt(err == nil),
		"created_at":  time.Now().UTC(),
	}
	if err != nil {
		attempt["error"] = err.Error()
	}
	if ierr := m.repo.Insert(ctx, "core_alert_deliveries", attempt); ierr != nil {
		m.logger.Error("Failed to record alert delivery", map[string]interface{}{
			"operation": "alert_deliver",
			"channel":   rec.Name,
			"error":     ierr.Error(),
		})
	}

	if err == nil {
		m.tele.RecordMetric("alert_deliveries_total", 1, map[string]string{
			"channel": rec.Name, "outcome": "success",
		})
		if rec.ConsecutiveFailures > 0 {
			m.resetFailures(ctx, rec.ID)
		}
		return
	}

	m.tele.RecordMetric("alert_deliveries_total", 1, map[string]string{
		"channel": rec.Name, "outcome": "failure",
	})
	m.logger.Warn("Alert delivery failed", map[string]interface{}{
		"operation": "alert_deliver",
		"channel":   rec.Name,
		"alert_id":  alert.ID,
		"error":     err.Error(),
	})

	failures := rec.ConsecutiveFailures + 1
	disable := failures >= m.threshold
	query := "UPDATE core_alert_channels SET consecutive_failures = ?"
	args := []interface{}{failures}
	if disable {
		query += ", enabled = 0"
	}
	query += " WHERE id = ?"
	args = append(args, rec.ID)
	if _, uerr := m.conn.Execute(ctx, query, args...); uerr != nil {
		m.logger.Error("Failed to update channel failure count", map[string]interface{}{
			"operation": "alert_deliver",
			"channel":   rec.Name,
			"error":     uerr.Error(),
		})
		return
	}
	if disable {
		m.logger.Error("Alert channel disabled after repeated failures", map[string]interface{}{
			"operation": "alert_deliver",
			"channel":   rec.Name,
			"failures":  failures,
		})
	}
}

func (m *Manager) resetFailures(ctx context.Context, channelID string) {
	_, err := m.conn.Execute(ctx,
		"UPDATE core_alert_channels SET consecutive_failures = 0 WHERE id = ?", channelID)
	if err != nil {
		m.logger.Warn("Failed to reset channel failure count", map[string]interface{}{
			"operation":  "alert_deliver",
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*Alert, error) {
	row, err := m.conn.QueryOne(ctx, "SELECT * FROM core_alerts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	return m.rowToAlert(row), nil
}

// List returns alerts matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var conds []string
	var args []interface{}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.Unacknowledged {
		conds = append(conds, "acknowledged_at IS NULL")
	}
	if f.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	query := "SELECT * FROM core_alerts"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := m.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]*Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.rowToAlert(row))
	}
	return out, nil
}

// Ack marks the alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op; the first acknowledger stays.
func (m *Manager) Ack(ctx context.Context, id, by string) (*Alert, error) {
	res, err := m.conn.Execute(ctx,
		"UPDATE core_alerts SET acknowledged_at = ?, acknowledged_by = ? WHERE id = ? AND acknowledged_at IS NULL",
		m.conn.Dialect().FormatTime(time.Now().UTC()), by, id)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		m.logger.Info("Alert acknowledged", map[string]interface{}{
			"operation": "alert_ack",
			"alert_id":  id,
			"by":        by,
		})
	}
	return m.Get(ctx, id)
}

// Resolve marks the alert resolved. Resolving twice is a no-op.
func (m *Manager) Resolve(ctx context.Context, id string) (*Alert, error) {
	_, err := m.conn.Execute(ctx,
		"UPDATE core_alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
		m.conn.Dialect().FormatTime(time.Now().UTC()), id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return m.Get(ctx, id)
}

// CreateChannel stores a new delivery channel. The configuration is
// checked by constructing the sender once up front.
func (m *Manager) CreateChannel(ctx context.Context, rec *ChannelRecord) (*ChannelRecord, error) {
	if rec.MinSeverity == "" {
		rec.MinSeverity = SeverityWarning
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.build(rec, m.logger); err != nil {
		return nil, err
	}
	rec.ID = core.NewID()
	rec.CreatedAt = time.Now().UTC()
	rec.ConsecutiveFailures = 0

	err := m.repo.Insert(ctx, "core_alert_channels", map[string]interface{}{
		"id":                   rec.ID,
		"name":                 rec.Name,
		"channel_type":         rec.Type,
		"config":               store.EncodeJSON(rec.Config),
		"min_severity":         rec.MinSeverity,
		"throttle_minutes":     rec.ThrottleMinutes,
		"enabled":              boolInt(rec.Enabled),
		"consecutive_failures": 0,
		"created_at":           rec.CreatedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.Errorf(core.CategoryConflict, "channel name %q is already taken", rec.Name)
		}
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	m.logger.Info("Alert channel created", map[string]interface{}{
		"operation":    "channel_create",
		"channel":      rec.Name,
		"channel_type": rec.Type,
	})
	return rec, nil
}

// GetChannel returns one channel row.
func (m *Manager) GetChannel(ctx context.Context, id string) (*ChannelRecord, error) {
	row, err := m.conn.QueryOne(ctx, "SELECT * FROM core_alert_channels WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("channel %s: %w", id, core.ErrNotFound)
	}
	return m.rowToChannel(row), nil
}

// GetChannelByName returns one channel row by its unique name.
func (m *Manager) GetChannelByName(ctx context.Context, name string) (*ChannelRecord, error) {
	row, err := m.conn.QueryOne(ctx, "SELECT * FROM core_alert_channels WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("channel %s: %w", name, core.ErrNotFound)
	}
	return m.rowToChannel(row), nil
}

// ListChannels returns every channel, name order.
func (m *Manager) ListChannels(ctx context.Context) ([]*ChannelRecord, error) {
	rows, err := m.conn.Query(ctx, "SELECT * FROM core_alert_channels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	out := make([]*ChannelRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.rowToChannel(row))
	}
	return out, nil
}

// UpdateChannel rewrites a channel's mutable fields. Re-enabling a
// channel clears its failure count.
func (m *Manager) UpdateChannel(ctx context.Context, rec *ChannelRecord) (*ChannelRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.build(rec, m.logger); err != nil {
		return nil, err
	}
	query := `UPDATE core_alert_channels
	             SET config = ?, min_severity = ?, throttle_minutes = ?, enabled = ?`
	args := []interface{}{
		store.EncodeJSON(rec.Config), rec.MinSeverity, rec.ThrottleMinutes, boolInt(rec.Enabled),
	}
	if rec.Enabled {
		query += ", consecutive_failures = 0"
	}
	query += " WHERE id = ?"
	args = append(args, rec.ID)

	res, err := m.conn.Execute(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("channel %s: %w", rec.ID, core.ErrNotFound)
	}
	return m.GetChannel(ctx, rec.ID)
}

// DeleteChannel removes a channel. Its delivery history stays.
func (m *Manager) DeleteChannel(ctx context.Context, id string) error {
	res, err := m.conn.Execute(ctx, "DELETE FROM core_alert_channels WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (m *Manager) rowToAlert(row map[string]interface{}) *Alert {
	d := m.conn.Dialect()
	return &Alert{
		ID:             store.AsString(row, "id"),
		Severity:       store.AsString(row, "severity"),
		Title:          store.AsString(row, "title"),
		Message:        store.AsString(row, "message"),
		Source:         store.AsString(row, "source"),
		Domain:         store.AsString(row, "domain"),
		ExecutionID:    store.AsString(row, "execution_id"),
		Fingerprint:    store.AsString(row, "fingerprint"),
		Metadata:       store.AsMap(row, "metadata"),
		CreatedAt:      store.AsTime(d, row, "created_at"),
		AcknowledgedAt: store.AsTimePtr(d, row, "acknowledged_at"),
		AcknowledgedBy: store.AsString(row, "acknowledged_by"),
		ResolvedAt:     store.AsTimePtr(d, row, "resolved_at"),
	}
}

func (m *Manager) rowToChannel(row map[string]interface{}) *ChannelRecord {
	return &ChannelRecord{
		ID:                  store.AsString(row, "id"),
		Name:                store.AsString(row, "name"),
		Type:                store.AsString(row, "channel_type"),
		Config:              store.AsMap(row, "config"),
		MinSeverity:         store.AsString(row, "min_severity"),
		ThrottleMinutes:     store.AsInt(row, "throttle_minutes"),
		Enabled:             store.AsBool(row, "enabled"),
		ConsecutiveFailures: store.AsInt(row, "consecutive_failures"),
		CreatedAt:           store.AsTime(m.conn.Dialect(), row, "created_at"),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
