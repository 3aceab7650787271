package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = sqlite3.Error{Code: sqlite3.ErrBusy}

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":              {nil, false},
		"plain":            {errors.New("no such table: queue_items"), false},
		"driver busy":      {sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		"driver locked":    {sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		"driver other":     {sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		"wrapped driver":   {fmt.Errorf("claim task: %w", errLocked), true},
		"flattened text":   {fmt.Errorf("commit tx: %v", "database is locked"), true},
		"table lock text":  {errors.New("database table is locked"), true},
		"priority literal": {errors.New("priority (5) out of range"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, isSQLiteBusy(tc.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert lease: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey})))
	assert.False(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}))
	assert.False(t, isUniqueViolation(nil))
}

func TestBusyBackoff_StaysWithinJitterBounds(t *testing.T) {
	for attempt, nominal := range []time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond,
		400 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond,
	} {
		for range 20 {
			d := busyBackoff(attempt)
			assert.GreaterOrEqual(t, d, nominal-nominal/4, "attempt %d", attempt)
			assert.LessOrEqual(t, d, nominal+nominal/4, "attempt %d", attempt)
		}
	}
	assert.LessOrEqual(t, busyBackoff(62), 625*time.Millisecond)
}

func TestRetryOnBusy(t *testing.T) {
	errOther := errors.New("queue not found")
	cases := map[string]struct {
		maxRetries int
		failures   int
		failWith   error
		wantCalls  int
		wantErr    error
	}{
		"first try":        {3, 0, nil, 1, nil},
		"non busy":         {3, 5, errOther, 1, errOther},
		"busy then ok":     {3, 2, errLocked, 3, nil},
		"busy exhausted":   {2, 10, errLocked, 3, errLocked},
		"no retries given": {0, 10, errLocked, 1, errLocked},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.maxRetries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errLocked
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithTx_BusyRerunsThenReportsContention(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "workqueue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	runs := 0
	require.NoError(t, store.WithTx(ctx, func(*Tx) error {
		runs++
		if runs == 1 {
			return errLocked
		}
		return nil
	}))
	assert.Equal(t, 2, runs)

	runs = 0
	err = store.WithTx(ctx, func(*Tx) error {
		runs++
		return errLocked
	})
	require.ErrorIs(t, err, ErrContention)
	assert.Equal(t, busyRetries+1, runs)
}
