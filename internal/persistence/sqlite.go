// Package persistence owns the SQLite plumbing shared by the task store and
// the NeuroBus event log, plus the scheduled-task table itself.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	busyTimeoutMS  = 5000
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// OpenDB opens path (creating its directory) as a one-connection pool, so
// every statement is serialized in-process, then runs pragmas in order.
func OpenDB(ctx context.Context, path string, pragmas []string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d", path, busyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// RetryOnBusy runs f up to maxRetries+1 times while it keeps failing with a
// lock error. It sits above the driver's busy_timeout for contention that
// outlasts it, such as a concurrent doctor run.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || attempt >= maxRetries || !IsBusy(err) {
			return err
		}
		t := time.NewTimer(retryDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// retryDelay doubles from retryBaseDelay up to retryMaxDelay and spreads the
// result over [75%, 125%).
func retryDelay(attempt int) time.Duration {
	d := min(retryBaseDelay<<attempt, retryMaxDelay)
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, either as a
// driver error or as text from a wrapped one.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "database table is locked", "(5)", "(6)"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as UTC unix nanoseconds; NULL means unset.
func timeToNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func nanosToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
