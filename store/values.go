package store

import (
	"encoding/json"
	"time"
)

// Row value readers. Map rows come back from the driver with loose
// types (int64 for ints, strings for encoded JSON and timestamps);
// these helpers recover the domain types.

// AsString returns the value as a string, or "" when absent/null.
func AsString(row map[string]interface{}, key string) string {
	if v, ok := row[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AsInt returns the value as an int, or 0 when absent/null.
func AsInt(row map[string]interface{}, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// AsFloat returns the value as a float64, or 0 when absent/null.
func AsFloat(row map[string]interface{}, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// AsBool reads an INTEGER-encoded boolean (and tolerates native bools).
func AsBool(row map[string]interface{}, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// AsTime parses a persisted ISO-8601 timestamp. Returns the zero time
// when absent or unparseable.
func AsTime(d Dialect, row map[string]interface{}, key string) time.Time {
	s := AsString(row, key)
	if s == "" {
		return time.Time{}
	}
	t, err := d.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AsTimePtr is AsTime for nullable columns.
func AsTimePtr(d Dialect, row map[string]interface{}, key string) *time.Time {
	t := AsTime(d, row, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// AsMap decodes a TEXT-encoded JSON object. Returns nil when absent,
// null, or not an object.
func AsMap(row map[string]interface{}, key string) map[string]interface{} {
	s := AsString(row, key)
	if s == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// AsStringSlice decodes a TEXT-encoded JSON array of strings.
func AsStringSlice(row map[string]interface{}, key string) []string {
	s := AsString(row, key)
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// EncodeValue prepares a Go value for binding: timestamps through the
// dialect, structured values as JSON text, bools as 0/1 integers.
func EncodeValue(d Dialect, v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return d.FormatTime(val)
	case *time.Time:
		if val == nil || val.IsZero() {
			return nil
		}
		return d.FormatTime(*val)
	case bool:
		if val {
			return 1
		}
		return 0
	case map[string]interface{}, []interface{}, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

// EncodeJSON marshals a structured value to its TEXT column form.
// Nil input stays nil so the column reads back as NULL.
func EncodeJSON(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}
