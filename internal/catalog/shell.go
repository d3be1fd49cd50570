package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/systerd/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	defaultShellOutput  = 64 * 1024
)

// ErrCommandDenied is returned when a command fails the deny-list check.
var ErrCommandDenied = errors.New("command denied")

// defaultDenyList contains commands that are never executed.
var defaultDenyList = []string{
	"rm", "rmdir", "mkfs", "dd", "shutdown", "reboot", "halt", "poweroff",
	"kill", "killall", "pkill", "sudo", "su", "chmod", "chown",
}

// runFunc executes argv. A non-nil error means the process could not run
// to completion; a non-zero exit code alone is not an error.
type runFunc func(ctx context.Context, argv []string, dir string) (stdout, stderr string, exitCode int, err error)

func hostRun(ctx context.Context, argv []string, dir string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if runErr := cmd.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

type ShellConfig struct {
	Timeout   time.Duration
	MaxOutput int
	// Deny adds command names to the built-in deny list.
	Deny    []string
	WorkDir string
	Logger  *slog.Logger
}

// Shell runs host commands with a deny list, a timeout, output truncation
// and secret redaction. It also serves as the scheduler's task executor.
type Shell struct {
	cfg  ShellConfig
	deny map[string]struct{}
	run  runFunc
}

// ShellResult is the outcome of one command.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func NewShell(cfg ShellConfig) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultShellTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultShellOutput
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	deny := make(map[string]struct{}, len(defaultDenyList)+len(cfg.Deny))
	for _, name := range defaultDenyList {
		deny[name] = struct{}{}
	}
	for _, name := range cfg.Deny {
		if name = strings.TrimSpace(name); name != "" {
			deny[name] = struct{}{}
		}
	}
	return &Shell{cfg: cfg, deny: deny, run: hostRun}
}

// Check rejects empty commands, command substitution, statement separators
// and any deny-listed command in a pipeline segment. Text inside single
// quotes is treated as literal.
func (s *Shell) Check(command string) error {
	bare := stripSingleQuoted(command)
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandDenied)
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(bare, op) {
			return fmt.Errorf("%w: disallowed operator %q", ErrCommandDenied, op)
		}
	}
	for _, seg := range splitCommandSegments(bare) {
		for _, tok := range strings.Fields(seg) {
			name := tok
			if i := strings.LastIndexByte(tok, '/'); i >= 0 {
				name = tok[i+1:]
			}
			if _, blocked := s.deny[name]; blocked {
				return fmt.Errorf("%w: %q is on the deny list", ErrCommandDenied, name)
			}
		}
	}
	return nil
}

// Run checks command and executes it through sh -c. timeout <= 0 uses the
// configured default; larger values are capped.
func (s *Shell) Run(ctx context.Context, command, workDir string, timeout time.Duration) (ShellResult, error) {
	if err := s.Check(command); err != nil {
		return ShellResult{}, err
	}
	if workDir == "" {
		workDir = s.cfg.WorkDir
	}
	return s.exec(ctx, []string{"sh", "-c", command}, workDir, timeout)
}

// RunArgs executes a fixed argv without a shell or deny-list check. It is
// for the built-in host operations only.
func (s *Shell) RunArgs(ctx context.Context, argv ...string) (ShellResult, error) {
	if len(argv) == 0 {
		return ShellResult{}, fmt.Errorf("%w: empty command", ErrCommandDenied)
	}
	return s.exec(ctx, argv, s.cfg.WorkDir, 0)
}

// Execute runs a scheduled task command. A non-zero exit is an error
// carrying the redacted stderr.
func (s *Shell) Execute(ctx context.Context, command string) (string, error) {
	res, err := s.Run(ctx, command, "", 0)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return res.Stdout, context.DeadlineExceeded
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return res.Stdout, fmt.Errorf("exit status %d: %s", res.ExitCode, msg)
	}
	return res.Stdout, nil
}

func (s *Shell) exec(ctx context.Context, argv []string, dir string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := s.run(execCtx, argv, dir)
	s.cfg.Logger.Debug("shell: command finished",
		"argv0", argv[0], "exit_code", code, "duration_ms", time.Since(start).Milliseconds(), "trace_id", shared.TraceID(ctx))

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ShellResult{}, ctx.Err()
			}
			return ShellResult{Stderr: "command timed out", ExitCode: -1, TimedOut: true}, nil
		}
		if ctx.Err() != nil {
			return ShellResult{}, ctx.Err()
		}
		return ShellResult{}, fmt.Errorf("exec: %w", err)
	}
	return ShellResult{
		Stdout:   shared.Redact(truncateOutput(stdout, s.cfg.MaxOutput)),
		Stderr:   shared.Redact(truncateOutput(stderr, s.cfg.MaxOutput)),
		ExitCode: code,
	}, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// stripSingleQuoted blanks single-quoted spans and backslash escapes.
func stripSingleQuoted(cmd string) string {
	var b strings.Builder
	inQuote, escaped := false, false
	for _, r := range cmd {
		switch {
		case escaped:
			escaped = false
			b.WriteByte(' ')
		case inQuote:
			if r == '\'' {
				inQuote = false
				b.WriteByte(' ')
			}
		case r == '\\':
			escaped = true
		case r == '\'':
			inQuote = true
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitCommandSegments splits a command at pipe and logical operators.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|", "&"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
