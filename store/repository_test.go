package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn := NewConnection(db, "sqlmock", SQLiteDialect{}, nil)
	return NewRepository(conn), mock
}

func TestInsertSortsColumns(t *testing.T) {
	repo, mock := newMockRepo(t)

	// Map iteration order is random; the generated SQL must not be.
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO core_rejects (domain, id, reason) VALUES (?, ?, ?)",
	)).WithArgs("etl", "r1", "missing column").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), "core_rejects", map[string]interface{}{
		"reason": "missing column",
		"id":     "r1",
		"domain": "etl",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEncodesValues(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO core_schedules (enabled, params) VALUES (?, ?)",
	)).WithArgs(1, `{"week":"2024-W03"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), "core_schedules", map[string]interface{}{
		"enabled": true,
		"params":  map[string]interface{}{"week": "2024-W03"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyRunsInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO core_rejects (id) VALUES (?)",
	)).WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO core_rejects (id) VALUES (?)",
	)).WithArgs("r2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InsertMany(context.Background(), "core_rejects", []map[string]interface{}{
		{"id": "r1"},
		{"id": "r2"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyEmptyIsNoOp(t *testing.T) {
	repo, mock := newMockRepo(t)

	err := repo.InsertMany(context.Background(), "core_rejects", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryOneNoRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM core_executions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	row, err := repo.QueryOne(context.Background(), "SELECT id FROM core_executions WHERE id = ?", "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(12)))

	n, err := repo.Count(context.Background(), "SELECT COUNT(*) AS n FROM core_executions")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
