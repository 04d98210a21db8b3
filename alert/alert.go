// Package alert raises operational alerts and fans them out to
// configured channels. Channels filter by severity and throttle
// repeats of the same fingerprint; every delivery attempt is recorded.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Severity levels, ordered INFO < WARNING < ERROR < CRITICAL.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// SeverityAtLeast reports whether s is at or above min. Unknown
// severities never pass.
func SeverityAtLeast(s, min string) bool {
	sr, ok1 := severityRank[s]
	mr, ok2 := severityRank[min]
	return ok1 && ok2 && sr >= mr
}

// Alert is one operational incident. Alerts are acknowledged and
// resolved, never deleted; the fingerprint groups repeats.
type Alert struct {
	ID             string                 `json:"id" db:"id"`
	Severity       string                 `json:"severity" db:"severity"`
	Title          string                 `json:"title" db:"title"`
	Message        string                 `json:"message,omitempty" db:"message"`
	Source         string                 `json:"source,omitempty" db:"source"`
	Domain         string                 `json:"domain,omitempty" db:"domain"`
	ExecutionID    string                 `json:"execution_id,omitempty" db:"execution_id"`
	Fingerprint    string                 `json:"fingerprint" db:"fingerprint"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Fingerprint derives the deterministic grouping hash for repeats of
// the same alert.
func Fingerprint(severity, source, title, domain string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", severity, source, title, domain)))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks the alert can be raised.
func (a *Alert) Validate() error {
	if a.Title == "" {
		return core.NewError(core.CategoryValidation, "alert title is required")
	}
	if !ValidSeverity(a.Severity) {
		return core.Errorf(core.CategoryValidation, "unknown alert severity %q", a.Severity)
	}
	return nil
}

// Acknowledged reports whether someone has acknowledged the alert.
func (a *Alert) Acknowledged() bool {
	return a.AcknowledgedAt != nil
}

// Resolved reports whether the alert has been resolved.
func (a *Alert) Resolved() bool {
	return a.ResolvedAt != nil
}
