// Package neurobus is the durable, append-only event log. Rows are bounded
// both by count and by age; the bound is enforced after every write.
package neurobus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/systerd/internal/bus"
	sysotel "github.com/basket/systerd/internal/otel"
	"github.com/basket/systerd/internal/persistence"
)

// Kind classifies a row.
type Kind string

const (
	KindEvent    Kind = "event"
	KindCommand  Kind = "command"
	KindLearning Kind = "learning"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	return k == KindEvent || k == KindCommand || k == KindLearning
}

const (
	DefaultMaxRows       = 100_000
	DefaultRetentionDays = 30
	DefaultVacuumEvery   = 1000
	DefaultQueryLimit    = 100

	busyRetries = 5
)

// Message is one stored row.
type Message struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"kind"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"ts"`
}

// Time converts the stored timestamp.
func (m Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Filter narrows Query. Empty fields match everything.
type Filter struct {
	Topic string
	Kind  Kind
	Limit int
}

// Config configures a Log.
type Config struct {
	Path          string
	MaxRows       int
	RetentionDays int
	// VacuumEvery compacts the file after this many publishes; <0 disables.
	VacuumEvery int
	Logger      *slog.Logger
	// Live, when set, receives every committed row under
	// bus.TopicNeuroBusPrefix + topic.
	Live    *bus.Bus
	Metrics *sysotel.Metrics
	Now     func() time.Time
}

// Log is the NeuroBus. It is safe for concurrent use.
type Log struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	// mu serializes publish + retention so the bound holds after each write.
	mu     sync.Mutex
	writes int
}

// Open opens the event database, creating the schema and checking integrity.
func Open(cfg Config) (*Log, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.VacuumEvery == 0 {
		cfg.VacuumEvery = DefaultVacuumEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()
	db, err := persistence.OpenDB(ctx, cfg.Path, []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-64000;",
		"PRAGMA temp_store=MEMORY;",
	})
	if err != nil {
		return nil, err
	}
	l := &Log{db: db, cfg: cfg, logger: logger}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.checkIntegrity(ctx)
	logger.Info("neurobus: opened", "path", cfg.Path, "max_rows", cfg.MaxRows, "retention_days", cfg.RetentionDays)
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind);`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("neurobus schema: %w", err)
		}
	}
	return nil
}

// checkIntegrity runs PRAGMA integrity_check and reindexes on failure.
// Corruption is logged, never fatal.
func (l *Log) checkIntegrity(ctx context.Context) {
	var result string
	if err := l.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
		l.logger.Error("neurobus: integrity check failed to run", "error", err)
		return
	}
	if result == "ok" {
		return
	}
	l.logger.Warn("neurobus: integrity check failed, reindexing", "result", result)
	if _, err := l.db.ExecContext(ctx, `REINDEX;`); err != nil {
		l.logger.Error("neurobus: reindex failed", "error", err)
	}
}

// Publish appends one row and then enforces retention. payload must be
// JSON-serializable.
func (l *Log) Publish(ctx context.Context, kind Kind, topic string, payload any) error {
	if !kind.Valid() {
		return fmt.Errorf("neurobus: invalid kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("neurobus: marshal payload: %w", err)
	}
	now := l.cfg.Now()
	ts := float64(now.UnixNano()) / 1e9

	l.mu.Lock()
	var id int64
	err = persistence.RetryOnBusy(ctx, busyRetries, func() error {
		res, err := l.db.ExecContext(ctx, `INSERT INTO messages (kind, topic, payload, ts) VALUES (?, ?, ?, ?);`,
			string(kind), topic, string(data), ts)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		l.mu.Unlock()
		l.logger.Error("neurobus: publish failed", "topic", topic, "kind", kind, "error", err)
		return fmt.Errorf("neurobus publish: %w", err)
	}
	l.writes++
	vacuum := l.cfg.VacuumEvery > 0 && l.writes%l.cfg.VacuumEvery == 0
	l.enforceRetentionLocked(ctx, now, vacuum)
	l.mu.Unlock()

	l.cfg.Metrics.RecordPublish(ctx, string(kind))
	l.cfg.Live.Publish(bus.TopicNeuroBusPrefix+topic, Message{
		ID: id, Kind: kind, Topic: topic, Payload: data, Timestamp: ts,
	})
	return nil
}

// RecordEvent publishes an event-kind row.
func (l *Log) RecordEvent(ctx context.Context, topic string, payload any) error {
	return l.Publish(ctx, KindEvent, topic, payload)
}

// RecordCommand publishes a command-kind row.
func (l *Log) RecordCommand(ctx context.Context, topic string, payload any) error {
	return l.Publish(ctx, KindCommand, topic, payload)
}

// RecordLearning publishes a learning-kind row.
func (l *Log) RecordLearning(ctx context.Context, topic string, payload any) error {
	return l.Publish(ctx, KindLearning, topic, payload)
}

// enforceRetentionLocked deletes rows past the age window, then the oldest
// rows beyond MaxRows. Failures are logged; the write itself already landed.
func (l *Log) enforceRetentionLocked(ctx context.Context, now time.Time, vacuum bool) {
	if l.cfg.RetentionDays > 0 {
		cutoff := float64(now.Add(-time.Duration(l.cfg.RetentionDays)*24*time.Hour).UnixNano()) / 1e9
		res, err := l.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?;`, cutoff)
		if err != nil {
			l.logger.Error("neurobus: age retention failed", "error", err)
		} else if n, _ := res.RowsAffected(); n > 0 {
			l.logger.Debug("neurobus: purged expired rows", "rows", n, "retention_days", l.cfg.RetentionDays)
		}
	}

	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&count); err != nil {
		l.logger.Error("neurobus: count failed", "error", err)
		return
	}
	if excess := count - l.cfg.MaxRows; excess > 0 {
		if _, err := l.db.ExecContext(ctx,
			`DELETE FROM messages WHERE id IN (SELECT id FROM messages ORDER BY id ASC LIMIT ?);`, excess); err != nil {
			l.logger.Error("neurobus: row cap retention failed", "error", err)
		} else {
			l.logger.Debug("neurobus: purged excess rows", "rows", excess, "max_rows", l.cfg.MaxRows)
		}
	}

	if vacuum {
		if _, err := l.db.ExecContext(ctx, `VACUUM;`); err != nil {
			l.logger.Warn("neurobus: vacuum failed", "error", err)
		}
	}
}

// Query returns the most recent matching rows, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	q := `SELECT id, kind, topic, payload, ts FROM messages WHERE 1=1`
	var args []any
	if f.Topic != "" {
		q += ` AND topic = ?`
		args = append(args, f.Topic)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("neurobus query: %w", err)
	}
	defer rows.Close()
	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var kind, payload string
		if err := rows.Scan(&m.ID, &kind, &m.Topic, &payload, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("neurobus scan: %w", err)
		}
		m.Kind = Kind(kind)
		m.Payload = json.RawMessage(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the total number of stored rows.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("neurobus count: %w", err)
	}
	return n, nil
}

// CountByKind returns the number of rows of one kind.
func (l *Log) CountByKind(ctx context.Context, kind Kind) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE kind = ?;`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("neurobus count %s: %w", kind, err)
	}
	return n, nil
}
