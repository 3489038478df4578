package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// busyError returns a real SQLITE_BUSY: one connection holds the write
// lock while another tries to write without a busy timeout.
func busyError(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") })

	other, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.Error(t, err)
	return err
}

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	busy := busyError(t)
	assert.True(t, IsSQLiteConflictError(busy))
	assert.True(t, IsSQLiteConflictError(fmt.Errorf("append message: %w", busy)))

	// Only the typed driver error counts, not its text.
	assert.False(t, IsSQLiteConflictError(errors.New(busy.Error())))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
	assert.False(t, IsSQLiteConflictError(nil))
}

func TestRetryOnConflictRetriesBusy(t *testing.T) {
	t.Parallel()

	busy := busyError(t)
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("insert: %w", busy)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("constraint failed")
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	t.Parallel()

	busy := busyError(t)
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "test", func() error {
		calls++
		return busy
	})
	require.ErrorIs(t, err, busy)
	assert.Equal(t, 2, calls)
}

func TestRetryOnConflictHonorsContext(t *testing.T) {
	t.Parallel()

	busy := busyError(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflict(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, "test", func() error {
		return busy
	})
	require.ErrorIs(t, err, context.Canceled)
}
