package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"
)

//go:embed ddl/*.sql
var ddlFiles embed.FS

// Schema applies and inspects the database schema. DDL lives in
// numbered files under ddl/ and is applied in lexical order. Every
// statement is idempotent (CREATE TABLE IF NOT EXISTS and friends) so
// Apply can run on every startup.
type Schema struct {
	conn *Connection
}

// NewSchema creates a schema manager for a connection.
func NewSchema(conn *Connection) *Schema {
	return &Schema{conn: conn}
}

// Apply runs every DDL file in order. Safe to call repeatedly.
func (s *Schema) Apply(ctx context.Context) error {
	entries, err := ddlFiles.ReadDir("ddl")
	if err != nil {
		return fmt.Errorf("failed to read ddl directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := ddlFiles.ReadFile("ddl/" + name)
		if err != nil {
			return fmt.Errorf("failed to read ddl file %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := s.conn.Execute(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply %s: %w", name, err)
			}
		}
	}
	return nil
}

// Tables lists the core tables present in the database.
func (s *Schema) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, s.conn.Dialect().TablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		for _, v := range row {
			if name, ok := v.(string); ok {
				tables = append(tables, name)
			}
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// PurgeResult reports how many rows each purged table lost.
type PurgeResult struct {
	Deleted map[string]int64 `json:"deleted"`
	Cutoff  time.Time        `json:"cutoff"`
}

// Purge deletes aged rows. Dead letters are never purged, and only
// terminal executions are removed. Events go with their executions.
func (s *Schema) Purge(ctx context.Context, olderThan time.Duration) (*PurgeResult, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	cutoffStr := s.conn.Dialect().FormatTime(cutoff)

	result := &PurgeResult{
		Deleted: make(map[string]int64),
		Cutoff:  cutoff,
	}

	err := s.conn.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Execute(ctx,
			`DELETE FROM core_execution_events WHERE execution_id IN (
				SELECT id FROM core_executions
				WHERE created_at < ? AND status IN ('COMPLETED', 'CANCELLED', 'DLQ')
			)`, cutoffStr)
		if err != nil {
			return fmt.Errorf("failed to purge execution events: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Deleted["core_execution_events"] = n

		res, err = tx.Execute(ctx,
			`DELETE FROM core_executions
			WHERE created_at < ? AND status IN ('COMPLETED', 'CANCELLED', 'DLQ')`, cutoffStr)
		if err != nil {
			return fmt.Errorf("failed to purge executions: %w", err)
		}
		n, _ = res.RowsAffected()
		result.Deleted["core_executions"] = n

		for _, table := range []string{"core_quality_results", "core_rejects", "core_anomalies", "core_alert_deliveries"} {
			res, err = tx.Execute(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoffStr)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", table, err)
			}
			n, _ = res.RowsAffected()
			result.Deleted[table] = n
		}

		res, err = tx.Execute(ctx,
			"DELETE FROM core_locks WHERE expires_at < ?", cutoffStr)
		if err != nil {
			return fmt.Errorf("failed to purge locks: %w", err)
		}
		n, _ = res.RowsAffected()
		result.Deleted["core_locks"] = n

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// splitStatements breaks a DDL file into individual statements.
// Comments are stripped before the split so a semicolon inside a
// comment does not produce a phantom statement. Semicolons inside
// string literals are not supported, which is fine for our own DDL.
func splitStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, raw := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
