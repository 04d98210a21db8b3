package quality

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

const weekFormat = "2006-01-02"

// identPattern is the shape table and filter column names must have;
// they are interpolated into SQL and cannot be bound.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RequireHistoryWindow checks that the table holds a row for each of
// the windowWeeks week-endings counting back 7 days at a time from
// weekEnding. Filters are ANDed equality conditions. Returns whether
// the window is complete and exactly the expected-minus-found weeks,
// oldest first.
func (r *Recorder) RequireHistoryWindow(ctx context.Context, table string, weekEnding time.Time, windowWeeks int, filters map[string]interface{}) (bool, []string, error) {
	if windowWeeks <= 0 {
		return false, nil, core.NewError(core.CategoryValidation, "window_weeks must be positive")
	}
	if !identPattern.MatchString(table) {
		return false, nil, core.Errorf(core.CategoryValidation, "invalid table name %q", table)
	}

	expected := make([]string, 0, windowWeeks)
	placeholders := make([]string, 0, windowWeeks)
	args := make([]interface{}, 0, windowWeeks+len(filters))
	for i := 0; i < windowWeeks; i++ {
		week := weekEnding.AddDate(0, 0, -7*i).Format(weekFormat)
		expected = append(expected, week)
		placeholders = append(placeholders, "?")
		args = append(args, week)
	}

	query := fmt.Sprintf("SELECT DISTINCT week_ending FROM %s WHERE week_ending IN (%s)",
		table, strings.Join(placeholders, ", "))
	filterKeys := make([]string, 0, len(filters))
	for k := range filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)
	for _, k := range filterKeys {
		if !identPattern.MatchString(k) {
			return false, nil, core.Errorf(core.CategoryValidation, "invalid filter column %q", k)
		}
		query += fmt.Sprintf(" AND %s = ?", k)
		args = append(args, filters[k])
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return false, nil, fmt.Errorf("failed to query history window on %s: %w", table, err)
	}

	found := make(map[string]bool, len(rows))
	for _, row := range rows {
		if week := normalizeWeek(row["week_ending"]); week != "" {
			found[week] = true
		}
	}

	var missing []string
	for _, week := range expected {
		if !found[week] {
			missing = append(missing, week)
		}
	}
	sort.Strings(missing)
	return len(missing) == 0, missing, nil
}

// normalizeWeek renders a week_ending column value as YYYY-MM-DD
// whatever the driver returned it as.
func normalizeWeek(v interface{}) string {
	switch t := v.(type) {
	case string:
		if len(t) >= len(weekFormat) {
			return t[:len(weekFormat)]
		}
		return t
	case time.Time:
		return t.Format(weekFormat)
	case []byte:
		return normalizeWeek(string(t))
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
