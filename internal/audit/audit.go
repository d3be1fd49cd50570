// Package audit records tool-call decisions to logs/audit.jsonl and the
// NeuroBus.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/systerd/internal/shared"
)

// Decisions written to the trail.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionPending = "approval_pending"
)

// Topic is the NeuroBus topic every tool call is recorded under.
const Topic = "tool.call"

// Entry is one audited tool invocation.
type Entry struct {
	Timestamp  string         `json:"timestamp"`
	TraceID    string         `json:"trace_id,omitempty"`
	ClientID   string         `json:"client_id,omitempty"`
	Tool       string         `json:"tool"`
	Decision   string         `json:"decision"`
	Permission string         `json:"permission,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Args       map[string]any `json:"args,omitempty"`
}

// CommandRecorder receives command rows; *neurobus.Log satisfies it.
type CommandRecorder interface {
	RecordCommand(ctx context.Context, topic string, payload any) error
}

// Trail appends entries to a JSONL file and mirrors them to the NeuroBus.
type Trail struct {
	mu        sync.Mutex
	file      *os.File
	events    CommandRecorder
	logger    *slog.Logger
	denyCount atomic.Int64
	now       func() time.Time
}

// Open creates (or appends to) <stateDir>/logs/audit.jsonl. An empty
// stateDir disables the file and keeps only the NeuroBus mirror.
func Open(stateDir string, events CommandRecorder, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trail{events: events, logger: logger, now: time.Now}
	if stateDir == "" {
		return t, nil
	}
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	t.file = f
	return t, nil
}

// Close releases the file handle.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func (t *Trail) DenyCount() int64 {
	if t == nil {
		return 0
	}
	return t.denyCount.Load()
}

// Record writes e. Secret-looking argument values and reasons are redacted
// before anything is persisted. Write failures are logged, never returned.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	if e.Decision == DecisionDeny {
		t.denyCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = t.now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	if e.ClientID == "" {
		e.ClientID = shared.ClientID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Args = shared.RedactArgs(e.Args)

	t.mu.Lock()
	if t.file != nil {
		b, err := json.Marshal(e)
		if err == nil {
			_, err = t.file.Write(append(b, '\n'))
		}
		if err != nil {
			t.logger.Warn("audit: write failed", "error", err)
		}
	}
	t.mu.Unlock()

	if t.events != nil {
		if err := t.events.RecordCommand(ctx, Topic, e); err != nil {
			t.logger.Warn("audit: neurobus mirror failed", "tool", e.Tool, "error", err)
		}
	}
}
