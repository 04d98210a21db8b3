package alert

import (
	"context"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Channel types the manager can build from a channel row.
const (
	TypeConsole = "console"
	TypeWebhook = "webhook"
	TypeSlack   = "slack"
)

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Type() string
	Send(ctx context.Context, alert *Alert) error
}

// ChannelRecord is the stored configuration of one delivery channel.
type ChannelRecord struct {
	ID                  string                 `json:"id" db:"id"`
	Name                string                 `json:"name" db:"name"`
	Type                string                 `json:"channel_type" db:"channel_type"`
	Config              map[string]interface{} `json:"config,omitempty" db:"config"`
	MinSeverity         string                 `json:"min_severity" db:"min_severity"`
	ThrottleMinutes     int                    `json:"throttle_minutes" db:"throttle_minutes"`
	Enabled             bool                   `json:"enabled" db:"enabled"`
	ConsecutiveFailures int                    `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at"`
}

// Validate checks a channel record before it is stored.
func (c *ChannelRecord) Validate() error {
	if c.Name == "" {
		return core.NewError(core.CategoryValidation, "channel name is required")
	}
	switch c.Type {
	case TypeConsole, TypeWebhook, TypeSlack:
	default:
		return core.Errorf(core.CategoryValidation, "unknown channel type %q", c.Type)
	}
	if c.MinSeverity != "" && !ValidSeverity(c.MinSeverity) {
		return core.Errorf(core.CategoryValidation, "unknown min severity %q", c.MinSeverity)
	}
	if c.ThrottleMinutes < 0 {
		return core.NewError(core.CategoryValidation, "throttle_minutes must be >= 0")
	}
	return nil
}

// buildChannel constructs the concrete sender for a channel row.
func buildChannel(rec *ChannelRecord, logger core.Logger) (Channel, error) {
	switch rec.Type {
	case TypeConsole:
		return NewConsoleChannel(rec.Name, logger), nil
	case TypeWebhook:
		timeout := time.Duration(configInt(rec.Config, "timeout_seconds")) * time.Second
		return NewWebhookChannel(rec.Name, configString(rec.Config, "url"), timeout)
	case TypeSlack:
		return NewSlackChannel(rec.Name,
			configString(rec.Config, "webhook_url"),
			configString(rec.Config, "channel"),
			configString(rec.Config, "username"))
	default:
		return nil, core.Errorf(core.CategoryValidation, "unknown channel type %q", rec.Type)
	}
}

func configString(config map[string]interface{}, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

func configInt(config map[string]interface{}, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConsoleChannel writes alerts to the process log. It cannot fail and
// is the sensible default for local profiles.
type ConsoleChannel struct {
	name   string
	logger core.Logger
}

// NewConsoleChannel creates a console channel over a logger.
func NewConsoleChannel(name string, logger core.Logger) *ConsoleChannel {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ConsoleChannel{name: name, logger: logger}
}

func (c *ConsoleChannel) Name() string { return c.name }
func (c *ConsoleChannel) Type() string { return TypeConsole }

// Send logs the alert, at error level for ERROR and above.
func (c *ConsoleChannel) Send(ctx context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert_id":     alert.ID,
		"severity":     alert.Severity,
		"source":       alert.Source,
		"domain":       alert.Domain,
		"execution_id": alert.ExecutionID,
		"message":      alert.Message,
	}
	if SeverityAtLeast(alert.Severity, SeverityError) {
		c.logger.Error("ALERT: "+alert.Title, fields)
	} else {
		c.logger.Warn("ALERT: "+alert.Title, fields)
	}
	return nil
}
