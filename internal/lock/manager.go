package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"papertrade/internal/observability"
)

// ErrLockUnavailable is returned when an advisory lock could not be acquired
// within the caller's timeout. Callers decide the retry policy; the manager
// never retries internally.
var ErrLockUnavailable = errors.New("lock unavailable")

// Token is a held advisory-lock grant. The grant is scoped to the lifetime of
// the underlying connection: if the connection dies, Postgres releases the
// lock without an explicit unlock call.
type Token struct {
	Key string
	ID  int64

	conn       *sql.Conn
	acquiredAt time.Time
}

// ActiveLock is one row of the pg_locks advisory snapshot.
type ActiveLock struct {
	ID  int64 `json:"id"`
	PID int   `json:"pid"`
}

// Manager acquires and releases named advisory locks on a shared Postgres
// instance. Exclusivity is enforced by Postgres' own grant bookkeeping, so it
// holds across any number of independent processes.
type Manager struct {
	db      *sql.DB
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewManager(db *sql.DB, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{db: db, logger: logger, metrics: metrics}
}

// KeyToID derives the 64-bit advisory lock id from a key: first 8 bytes of
// SHA-256(key) as a big-endian signed integer, absolute value. The same key
// always maps to the same id; distinct keys collide only with hash-collision
// probability.
func KeyToID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	id := int64(binary.BigEndian.Uint64(sum[:8]))
	if id == minInt64 {
		// abs(MinInt64) overflows; clear the sign bit instead.
		return 0
	}
	if id < 0 {
		return -id
	}
	return id
}

const minInt64 = -1 << 63

// Acquire attempts a non-blocking acquisition of the advisory lock for key.
// Returns (nil, nil) when the lock is held elsewhere. The statement timeout
// bounds queries issued later on the held connection, not the lock attempt
// itself — pg_try_advisory_lock returns immediately.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Token, error) {
	id := KeyToID(key)

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if timeout > 0 {
		stmt := fmt.Sprintf("SET statement_timeout = %d", timeout.Milliseconds())
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		m.resetTimeout(ctx, conn)
		conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}

	if !acquired {
		m.resetTimeout(ctx, conn)
		conn.Close()
		if m.metrics != nil {
			m.metrics.LockContention.WithLabelValues(key).Inc()
		}
		m.logger.Debug().Str("key", key).Int64("lock_id", id).Msg("lock held elsewhere")
		return nil, nil
	}

	if m.metrics != nil {
		m.metrics.LockAcquired.WithLabelValues(key).Inc()
	}

	return &Token{Key: key, ID: id, conn: conn, acquiredAt: time.Now()}, nil
}

// Release unlocks the token and returns its connection to the pool. Safe to
// call exactly once per token; it runs on every exit path of WithLock.
func (m *Manager) Release(ctx context.Context, token *Token) error {
	if token == nil || token.conn == nil {
		return nil
	}
	defer func() {
		// The connection goes back to the pool; don't leak the per-call
		// timeout. lib/pq does not clear session GUCs on reset, so this must
		// run on the error path too.
		m.resetTimeout(ctx, token.conn)
		token.conn.Close()
		token.conn = nil
	}()

	if m.metrics != nil {
		m.metrics.LockHoldDuration.Observe(time.Since(token.acquiredAt).Seconds())
	}

	var released bool
	if err := token.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", token.ID).Scan(&released); err != nil {
		// Closing the connection releases the grant anyway.
		m.logger.Warn().Err(err).Str("key", token.Key).Msg("advisory unlock failed, closing connection")
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if !released {
		m.logger.Warn().Str("key", token.Key).Int64("lock_id", token.ID).Msg("advisory unlock returned false")
	}
	return nil
}

// resetTimeout clears the session statement_timeout before a connection
// returns to the pool.
func (m *Manager) resetTimeout(ctx context.Context, conn *sql.Conn) {
	if _, err := conn.ExecContext(ctx, "RESET statement_timeout"); err != nil {
		m.logger.Debug().Err(err).Msg("reset statement_timeout failed")
	}
}

// WithLock runs fn while holding the advisory lock for key. Fails with
// ErrLockUnavailable when the lock is held elsewhere. The lock is released on
// every exit path, including panics inside fn.
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	if token == nil {
		return fmt.Errorf("%w: %s", ErrLockUnavailable, key)
	}
	defer m.Release(ctx, token)

	return fn(ctx)
}

// TryWithLock is WithLock that reports contention instead of failing:
// (false, nil) means the lock was held elsewhere and fn never ran.
func (m *Manager) TryWithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return false, err
	}
	if token == nil {
		return false, nil
	}
	defer m.Release(ctx, token)

	return true, fn(ctx)
}

// IsLocked reports whether the advisory lock for key is currently granted to
// any session. Best-effort snapshot of pg_locks, subject to races.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	id := KeyToID(key)

	var locked bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND granted
			  AND ((classid::bigint << 32) | objid::bigint) = $1
		)`, id).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("query pg_locks: %w", err)
	}
	return locked, nil
}

// ListActiveLocks returns all granted advisory locks with their holder PIDs.
// Observability only; the snapshot can be stale by the time it returns.
func (m *Manager) ListActiveLocks(ctx context.Context) ([]ActiveLock, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT (classid::bigint << 32) | objid::bigint, pid
		FROM pg_locks
		WHERE locktype = 'advisory' AND granted`)
	if err != nil {
		return nil, fmt.Errorf("query pg_locks: %w", err)
	}
	defer rows.Close()

	var locks []ActiveLock
	for rows.Next() {
		var l ActiveLock
		if err := rows.Scan(&l.ID, &l.PID); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
