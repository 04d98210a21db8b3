package alert

import (
	"context"

	"github.com/ryansmccoy/spine-core-sub006/bus"
)

// EventBridge returns a bus handler that raises an alert for each run
// failure event. The server assembly subscribes it to run.failed and
// run.dead_lettered; other topics pass through untouched.
//
// The alert title carries the workflow name, not the run id, so
// repeats of the same failing workflow share a fingerprint and
// throttle together.
func EventBridge(manager *Manager) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		workflow := eventString(event.Data, "workflow")
		if workflow == "" {
			workflow = event.RunID
		}
		reason := eventString(event.Data, "error")

		var a *Alert
		switch event.Type {
		case bus.TopicRunFailed:
			a = &Alert{
				Severity:    SeverityError,
				Title:       "Run failed: " + workflow,
				Message:     reason,
				Source:      "dispatcher",
				ExecutionID: event.RunID,
				Metadata: map[string]interface{}{
					"category": eventString(event.Data, "category"),
				},
			}
		case bus.TopicRunDeadLettered:
			a = &Alert{
				Severity:    SeverityCritical,
				Title:       "Run dead-lettered: " + workflow,
				Message:     reason,
				Source:      "dispatcher",
				ExecutionID: event.RunID,
				Metadata: map[string]interface{}{
					"dlq_id": eventString(event.Data, "dlq_id"),
				},
			}
		default:
			return nil
		}
		_, err := manager.Raise(ctx, a)
		return err
	}
}

func eventString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
