package lock_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"papertrade/internal/lock"
	"papertrade/internal/observability"
	"papertrade/internal/testutil"
)

// ============================================================================
// Test: key derivation
// ============================================================================

func TestKeyToID_Deterministic(t *testing.T) {
	a := lock.KeyToID("paper_trade:AAPL")
	b := lock.KeyToID("paper_trade:AAPL")
	if a != b {
		t.Errorf("same key mapped to different ids: %d vs %d", a, b)
	}
}

func TestKeyToID_DistinctKeys(t *testing.T) {
	if lock.KeyToID("paper_trade:AAPL") == lock.KeyToID("paper_trade:MSFT") {
		t.Error("distinct keys collided")
	}
}

func TestKeyToID_NonNegative(t *testing.T) {
	keys := []string{"a", "b", "c", "paper_trade:TSLA", "paper_trade:GOOG", "", "x:y:z"}
	for _, k := range keys {
		if id := lock.KeyToID(k); id < 0 {
			t.Errorf("KeyToID(%q) = %d, want non-negative", k, id)
		}
	}
}

// ============================================================================
// Test: mutual exclusion (integration, needs Postgres)
// ============================================================================

func newTestManager(t *testing.T) *lock.Manager {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	return lock.NewManager(db, observability.NewLoggerWithLevel("lock", zerolog.Disabled), nil)
}

func TestAcquire_SecondHolderFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "test:excl", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if token == nil {
		t.Fatal("first acquire should succeed")
	}
	defer m.Release(ctx, token)

	second, err := m.Acquire(ctx, "test:excl", time.Second)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if second != nil {
		m.Release(ctx, second)
		t.Fatal("second acquire should observe contention, got a token")
	}
}

func TestAcquire_ReleasedLockIsReacquirable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "test:cycle", time.Second)
	if err != nil || token == nil {
		t.Fatalf("acquire: token=%v err=%v", token, err)
	}
	if err := m.Release(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := m.Acquire(ctx, "test:cycle", time.Second)
	if err != nil || again == nil {
		t.Fatalf("reacquire after release: token=%v err=%v", again, err)
	}
	m.Release(ctx, again)
}

func TestWithLock_DistinctKeysDoNotContend(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WithLock(ctx, "test:k1", time.Second, func(ctx context.Context) error {
		return m.WithLock(ctx, "test:k2", time.Second, func(ctx context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("nested locks on distinct keys: %v", err)
	}
}

func TestWithLock_ContentionFailsFast(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WithLock(ctx, "test:busy", time.Second, func(ctx context.Context) error {
		inner := m.WithLock(ctx, "test:busy", time.Second, func(ctx context.Context) error {
			t.Error("inner critical section must not run")
			return nil
		})
		if !errors.Is(inner, lock.ErrLockUnavailable) {
			t.Errorf("inner err = %v, want ErrLockUnavailable", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock: %v", err)
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "test:errpath", time.Second, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want inner error", err)
	}

	// The failure path must have released the lock.
	err = m.WithLock(ctx, "test:errpath", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("lock not released after error exit: %v", err)
	}
}

func TestTryWithLock_ReportsContention(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.WithLock(ctx, "test:try", time.Second, func(ctx context.Context) error {
		ran, err := m.TryWithLock(ctx, "test:try", time.Second, func(ctx context.Context) error {
			t.Error("fn must not run under contention")
			return nil
		})
		if err != nil {
			return err
		}
		if ran {
			t.Error("TryWithLock reported ran=true under contention")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	ran, err := m.TryWithLock(ctx, "test:try", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("uncontended TryWithLock: ran=%v err=%v", ran, err)
	}
}

func TestAcquire_ContentionDoesNotLeakStatementTimeout(t *testing.T) {
	testutil.RequireIntegration(t)

	holderDB, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	holder := lock.NewManager(holderDB, observability.NewLoggerWithLevel("lock", zerolog.Disabled), nil)

	// Single-connection pool: the contended attempt and the follow-up query
	// are guaranteed to share the same physical connection.
	db, err := sql.Open("postgres", testutil.TestPostgresDSN())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	m := lock.NewManager(db, observability.NewLoggerWithLevel("lock", zerolog.Disabled), nil)

	ctx := context.Background()
	token, err := holder.Acquire(ctx, "test:guc", time.Second)
	if err != nil || token == nil {
		t.Fatalf("holder acquire: token=%v err=%v", token, err)
	}
	defer holder.Release(ctx, token)

	contended, err := m.Acquire(ctx, "test:guc", 5*time.Second)
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if contended != nil {
		m.Release(ctx, contended)
		t.Fatal("acquire should observe contention")
	}

	var timeout string
	if err := db.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&timeout); err != nil {
		t.Fatalf("show statement_timeout: %v", err)
	}
	if timeout != "0" {
		t.Errorf("statement_timeout = %q leaked into the pool, want 0", timeout)
	}
}

func TestRelease_ClearsStatementTimeout(t *testing.T) {
	testutil.RequireIntegration(t)

	db, err := sql.Open("postgres", testutil.TestPostgresDSN())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("test postgres not available: %v", err)
	}

	m := lock.NewManager(db, observability.NewLoggerWithLevel("lock", zerolog.Disabled), nil)

	token, err := m.Acquire(ctx, "test:guc-release", 5*time.Second)
	if err != nil || token == nil {
		t.Fatalf("acquire: token=%v err=%v", token, err)
	}
	if err := m.Release(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}

	var timeout string
	if err := db.QueryRowContext(ctx, "SHOW statement_timeout").Scan(&timeout); err != nil {
		t.Fatalf("show statement_timeout: %v", err)
	}
	if timeout != "0" {
		t.Errorf("statement_timeout = %q after release, want 0", timeout)
	}
}

func TestIsLocked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	locked, err := m.IsLocked(ctx, "test:introspect")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("lock should be free before acquisition")
	}

	err = m.WithLock(ctx, "test:introspect", time.Second, func(ctx context.Context) error {
		held, err := m.IsLocked(ctx, "test:introspect")
		if err != nil {
			return err
		}
		if !held {
			t.Error("IsLocked should see the held lock")
		}

		locks, err := m.ListActiveLocks(ctx)
		if err != nil {
			return err
		}
		id := lock.KeyToID("test:introspect")
		found := false
		for _, l := range locks {
			if l.ID == id {
				found = true
			}
		}
		if !found {
			t.Errorf("ListActiveLocks missing id %d: %v", id, locks)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
}
