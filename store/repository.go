package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Repository is the base building block for table access: map-based
// reads and writes with dialect-aware value encoding. Domain
// repositories embed it and add their own typed methods.
type Repository struct {
	conn *Connection
}

// NewRepository creates a base repository over a connection.
func NewRepository(conn *Connection) *Repository {
	return &Repository{conn: conn}
}

// Conn returns the underlying connection.
func (r *Repository) Conn() *Connection { return r.conn }

// Dialect returns the connection's dialect.
func (r *Repository) Dialect() Dialect { return r.conn.Dialect() }

// Query returns all rows for a ?-placeholder query.
func (r *Repository) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return r.conn.Query(ctx, query, args...)
}

// QueryOne returns the first row, or nil when none matches.
func (r *Repository) QueryOne(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	return r.conn.QueryOne(ctx, query, args...)
}

// Exec runs a statement and discards the result.
func (r *Repository) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := r.conn.Execute(ctx, query, args...)
	return err
}

// Count runs a COUNT(*) query.
func (r *Repository) Count(ctx context.Context, query string, args ...interface{}) (int, error) {
	row, err := r.conn.QueryOne(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	for _, v := range row {
		switch n := v.(type) {
		case int64:
			return int(n), nil
		case int:
			return n, nil
		case float64:
			return int(n), nil
		}
	}
	return 0, nil
}

// Insert writes one row. Column order is sorted for deterministic SQL.
func (r *Repository) Insert(ctx context.Context, table string, row map[string]interface{}) error {
	query, args := buildInsert(r.Dialect(), table, row)
	_, err := r.conn.Execute(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// InsertMany writes rows in one transaction. All rows must share the
// first row's column set.
func (r *Repository) InsertMany(ctx context.Context, table string, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn.WithTx(ctx, func(tx *Tx) error {
		for _, row := range rows {
			query, args := buildInsert(r.Dialect(), table, row)
			if _, err := tx.Execute(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", table, err)
			}
		}
		return nil
	})
}

// InsertTx writes one row inside an existing transaction.
func InsertTx(ctx context.Context, tx *Tx, table string, row map[string]interface{}) error {
	query, args := buildInsert(tx.Dialect(), table, row)
	if _, err := tx.Execute(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func buildInsert(d Dialect, table string, row map[string]interface{}) (string, []interface{}) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = EncodeValue(d, row[col])
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args
}
