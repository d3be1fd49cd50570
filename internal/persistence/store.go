package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "systerd-v1-scheduled-tasks"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Repeat is a task's recurrence policy.
type Repeat string

const (
	RepeatOnce    Repeat = "once"
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
	RepeatCustom  Repeat = "custom"
	RepeatCron    Repeat = "cron"
)

// Task is one scheduled unit of deferred work. Command is opaque to the
// store and the scheduler; only the executor interprets it.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Command        string     `json:"command"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	Status         TaskStatus `json:"status"`
	Repeat         Repeat     `json:"repeat"`
	RepeatInterval int64      `json:"repeat_interval,omitempty"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	RunCount       int        `json:"run_count"`
	MaxRuns        int        `json:"max_runs,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastError      string     `json:"last_error,omitempty"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  TaskStatus
	Enabled *bool
}

// Store is the scheduled-task table in state.db.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*Store, error) {
	ctx := context.Background()
	db, err := OpenDB(ctx, path, []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			scheduled_time INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')),
			repeat TEXT NOT NULL DEFAULT 'once',
			repeat_interval INTEGER NOT NULL DEFAULT 0,
			cron_expr TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_run INTEGER,
			next_run INTEGER,
			run_count INTEGER NOT NULL DEFAULT 0,
			max_runs INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(status);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, command, scheduled_time, status, repeat, repeat_interval,
	cron_expr, created_at, last_run, next_run, run_count, max_runs, enabled, last_error`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		t                  Task
		scheduled, created int64
		lastRun, nextRun   sql.NullInt64
		status, repeat     string
		enabled            int
	)
	if err := scanFn(&t.ID, &t.Name, &t.Description, &t.Command, &scheduled, &status, &repeat,
		&t.RepeatInterval, &t.CronExpr, &created, &lastRun, &nextRun, &t.RunCount, &t.MaxRuns,
		&enabled, &t.LastError); err != nil {
		return nil, err
	}
	t.ScheduledTime = time.Unix(0, scheduled).UTC()
	t.CreatedAt = time.Unix(0, created).UTC()
	t.Status = TaskStatus(status)
	t.Repeat = Repeat(repeat)
	t.LastRun = nanosToTime(lastRun)
	t.NextRun = nanosToTime(nextRun)
	t.Enabled = enabled != 0
	return &t, nil
}

// InsertTask stores a new task. The id must be unique.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	return RetryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			t.ID, t.Name, t.Description, t.Command, t.ScheduledTime.UTC().UnixNano(), string(t.Status),
			string(t.Repeat), t.RepeatInterval, t.CronExpr, t.CreatedAt.UTC().UnixNano(),
			timeToNanos(t.LastRun), timeToNanos(t.NextRun), t.RunCount, t.MaxRuns,
			boolToInt(t.Enabled), t.LastError)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// SaveTask overwrites every mutable column of an existing task.
func (s *Store) SaveTask(ctx context.Context, t Task) error {
	return RetryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET
			name = ?, description = ?, command = ?, scheduled_time = ?, status = ?, repeat = ?,
			repeat_interval = ?, cron_expr = ?, last_run = ?, next_run = ?, run_count = ?,
			max_runs = ?, enabled = ?, last_error = ?
			WHERE id = ?;`,
			t.Name, t.Description, t.Command, t.ScheduledTime.UTC().UnixNano(), string(t.Status),
			string(t.Repeat), t.RepeatInterval, t.CronExpr, timeToNanos(t.LastRun),
			timeToNanos(t.NextRun), t.RunCount, t.MaxRuns, boolToInt(t.Enabled), t.LastError, t.ID)
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
		}
		return nil
	})
}

// ClaimTask marks a task running as of at, but only while it is still
// enabled and neither cancelled nor already running. It reports false when
// a concurrent cancel, disable or claim won.
func (s *Store) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	var claimed bool
	err := RetryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = 'running', last_run = ?
			WHERE id = ? AND enabled = 1 AND status NOT IN ('cancelled', 'running');`,
			at.UTC().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task permanently.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return RetryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
}

// ListTasks returns tasks ordered by next_run (unscheduled last), then
// creation time.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Enabled != nil {
		q += ` AND enabled = ?`
		args = append(args, boolToInt(*f.Enabled))
	}
	q += ` ORDER BY next_run IS NULL, next_run ASC, created_at ASC;`
	return s.queryTasks(ctx, q, args...)
}

// DueTasks returns enabled, non-cancelled tasks whose next_run <= now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND status NOT IN ('cancelled', 'running')
		AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC;`, now.UTC().UnixNano())
}

// UpcomingTasks returns up to limit enabled tasks with a future next_run.
func (s *Store) UpcomingTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run > ?
		ORDER BY next_run ASC LIMIT ?;`, now.UTC().UnixNano(), limit)
}

// ResetRunning moves tasks left in running (by a crash) back to pending.
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = 'pending' WHERE status = 'running';`)
	if err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
