// Package store provides the thin relational access layer: SQL dialects,
// a connection wrapper with transaction helpers, a base repository over
// map rows, and the ordered DDL schema loader. Higher layers never touch
// database/sql directly.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// TimeFormat is the canonical ISO-8601 UTC layout for persisted
// timestamps. Fixed-width fractional seconds keep string comparison
// consistent with time ordering.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// parseFormats are accepted on read, most specific first.
var parseFormats = []string{
	TimeFormat,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Dialect abstracts the syntax differences between supported databases:
// placeholder style, timestamp encoding, interval expressions, and
// catalog queries.
type Dialect interface {
	// Name returns the backend name (sqlite, postgres).
	Name() string
	// BindVar returns the 1-based placeholder for position i.
	BindVar(i int) string
	// Rebind rewrites ? placeholders into the dialect's style.
	Rebind(query string) string
	// FormatTime encodes a timestamp as an ISO-8601 UTC string.
	FormatTime(t time.Time) string
	// ParseTime decodes a persisted timestamp.
	ParseTime(s string) (time.Time, error)
	// Interval returns a SQL expression for "now minus n units".
	Interval(n int, unit string) string
	// JSONType returns the column type used for JSON payloads.
	JSONType() string
	// TablesQuery returns SQL listing all core_ tables.
	TablesQuery() string
}

// DialectFor resolves a dialect by backend name.
func DialectFor(backend string) (Dialect, error) {
	switch strings.ToLower(backend) {
	case "sqlite", "sqlite3":
		return SQLiteDialect{}, nil
	case "postgres", "postgresql":
		return PostgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database backend: %q", backend)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range parseFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp: %q", s)
}

// SQLiteDialect targets sqlite. Placeholders stay as ?.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) BindVar(i int) string { return "?" }

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) FormatTime(t time.Time) string { return formatTime(t) }

func (SQLiteDialect) ParseTime(s string) (time.Time, error) { return parseTime(s) }

func (SQLiteDialect) Interval(n int, unit string) string {
	return fmt.Sprintf("datetime('now', '-%d %s')", n, unit)
}

func (SQLiteDialect) JSONType() string { return "TEXT" }

func (SQLiteDialect) TablesQuery() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'core_%' ORDER BY name"
}

// PostgresDialect targets PostgreSQL. Placeholders become $1..$n.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) BindVar(i int) string { return fmt.Sprintf("$%d", i) }

func (PostgresDialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func (PostgresDialect) FormatTime(t time.Time) string { return formatTime(t) }

func (PostgresDialect) ParseTime(s string) (time.Time, error) { return parseTime(s) }

func (PostgresDialect) Interval(n int, unit string) string {
	return fmt.Sprintf("NOW() - INTERVAL '%d %s'", n, unit)
}

func (PostgresDialect) JSONType() string { return "TEXT" }

func (PostgresDialect) TablesQuery() string {
	return "SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'core_%' ORDER BY tablename"
}
