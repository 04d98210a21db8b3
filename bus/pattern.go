package bus

import "strings"

// Match reports whether an event type matches a subscription pattern.
// Patterns work on the dot boundary: an exact literal matches itself,
// "*" matches everything, and "a.b.*" matches "a.b" plus anything
// under the "a.b." prefix.
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
