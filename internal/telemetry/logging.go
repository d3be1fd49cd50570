// Package telemetry builds the process-wide structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/systerd/internal/shared"
)

// Options controls where log lines go.
type Options struct {
	StateDir string
	Level    string
	// Quiet suppresses the stderr mirror. The stdio transport owns stdout,
	// so the mirror never targets it.
	Quiet bool
	// Component is stamped on every record; defaults to "systerd".
	Component string
}

// NewLogger writes JSON lines to <state>/logs/system.jsonl and, unless quiet,
// mirrors them to stderr. Stderr gets a text handler when it is a terminal.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.StateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level), ReplaceAttr: replaceAttr}
	var handler slog.Handler = slog.NewJSONHandler(file, hopts)
	if !opts.Quiet {
		var mirror slog.Handler
		if isatty.IsTerminal(os.Stderr.Fd()) {
			mirror = slog.NewTextHandler(os.Stderr, hopts)
		} else {
			mirror = slog.NewJSONHandler(os.Stderr, hopts)
		}
		handler = fanout{handler, mirror}
	}

	component := opts.Component
	if component == "" {
		component = "systerd"
	}
	logger := slog.New(handler).With("component", component, "trace_id", "-")
	return logger, file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return shared.Redacted, true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level string to a slog level. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanout duplicates records to several handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
