// Package locks provides database-backed advisory locks with a TTL.
// A lock is one row keyed by name; expiry makes crashed owners
// harmless without any background reaper.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/store"
)

// Manager acquires and releases advisory locks.
type Manager struct {
	conn   *store.Connection
	logger core.Logger
}

// New creates a lock manager over a connection.
func New(conn *store.Connection, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{conn: conn, logger: logger}
}

// Acquire attempts to take the lock. On conflict with an expired
// holder the stale row is deleted and the insert retried once.
// Returns true iff the caller now owns the key.
func (m *Manager) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, core.NewError(core.CategoryValidation, "lock key is required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now().UTC()
		err := store.NewRepository(m.conn).Insert(ctx, "core_locks", map[string]interface{}{
			"lock_key":     key,
			"execution_id": ownerID,
			"acquired_at":  now,
			"expires_at":   now.Add(ttl),
		})
		if err == nil {
			m.logger.Debug("lock acquired", map[string]interface{}{
				"lock_key": key,
				"owner":    ownerID,
				"ttl":      ttl.String(),
			})
			return true, nil
		}

		row, qerr := m.conn.QueryOne(ctx, "SELECT execution_id, expires_at FROM core_locks WHERE lock_key = ?", key)
		if qerr != nil {
			return false, fmt.Errorf("failed to inspect lock %s: %w", key, qerr)
		}
		if row == nil {
			// Holder vanished between insert and read; retry.
			continue
		}

		expires := store.AsTime(m.conn.Dialect(), row, "expires_at")
		if expires.After(now) {
			return false, nil
		}

		// Expired holder: clear exactly that row, then retry the insert.
		if _, derr := m.conn.Execute(ctx,
			"DELETE FROM core_locks WHERE lock_key = ? AND expires_at = ?",
			key, m.conn.Dialect().FormatTime(expires)); derr != nil {
			return false, fmt.Errorf("failed to clear expired lock %s: %w", key, derr)
		}
	}
	return false, nil
}

// Release drops the lock unconditionally.
func (m *Manager) Release(ctx context.Context, key string) error {
	if _, err := m.conn.Execute(ctx, "DELETE FROM core_locks WHERE lock_key = ?", key); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// ReleaseOwned drops the lock only if ownerID still holds it.
func (m *Manager) ReleaseOwned(ctx context.Context, key, ownerID string) error {
	if _, err := m.conn.Execute(ctx,
		"DELETE FROM core_locks WHERE lock_key = ? AND execution_id = ?", key, ownerID); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// IsLocked reports whether the key is held and unexpired.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	row, err := m.conn.QueryOne(ctx, "SELECT expires_at FROM core_locks WHERE lock_key = ?", key)
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	if row == nil {
		return false, nil
	}
	return store.AsTime(m.conn.Dialect(), row, "expires_at").After(time.Now().UTC()), nil
}

// Owner returns who holds the key, or "" when unheld or expired.
func (m *Manager) Owner(ctx context.Context, key string) (string, error) {
	row, err := m.conn.QueryOne(ctx, "SELECT execution_id, expires_at FROM core_locks WHERE lock_key = ?", key)
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if row == nil {
		return "", nil
	}
	if !store.AsTime(m.conn.Dialect(), row, "expires_at").After(time.Now().UTC()) {
		return "", nil
	}
	return store.AsString(row, "execution_id"), nil
}

// Cleanup removes every expired lock row and returns how many went.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	res, err := m.conn.Execute(ctx, "DELETE FROM core_locks WHERE expires_at < ?",
		m.conn.Dialect().FormatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
