package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// SlackChannel posts alerts to a Slack incoming webhook as colored
// attachments.
type SlackChannel struct {
	name       string
	webhookURL string
	channel    string
	username   string
}

// NewSlackChannel creates a slack channel. The channel and username
// are optional; Slack falls back to the webhook's defaults.
func NewSlackChannel(name, webhookURL, channel, username string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, core.NewError(core.CategoryValidation, "slack channel requires a webhook_url")
	}
	return &SlackChannel{
		name:       name,
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
	}, nil
}

func (s *SlackChannel) Name() string { return s.name }
func (s *SlackChannel) Type() string { return TypeSlack }

// Send posts the alert to the webhook.
func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	attachment := slack.Attachment{
		Color:  severityColor(alert.Severity),
		Title:  fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Text:   alert.Message,
		Footer: alert.Source,
		Ts:     json.Number(strconv.FormatInt(alert.CreatedAt.Unix(), 10)),
	}
	if alert.Domain != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Domain", Value: alert.Domain, Short: true,
		})
	}
	if alert.ExecutionID != "" {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: "Run", Value: alert.ExecutionID, Short: true,
		})
	}

	msg := &slack.WebhookMessage{
		Username:    s.username,
		Channel:     s.channel,
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return core.Wrap(core.CategoryUnavailable, "slack delivery failed", err)
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical, SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "#439fe0"
	}
}
