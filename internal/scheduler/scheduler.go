// Package scheduler runs persisted, optionally repeating tasks through an
// injected executor on a fixed polling cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/systerd/internal/bus"
	sysotel "github.com/basket/systerd/internal/otel"
	"github.com/basket/systerd/internal/persistence"
	"github.com/basket/systerd/internal/shared"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultTaskTimeout   = 5 * time.Minute
	DefaultMaxConcurrent = 4

	monthApprox = 30 * 24 * time.Hour
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = persistence.ErrTaskNotFound

// Executor runs a task's opaque command string.
type Executor interface {
	Execute(ctx context.Context, command string) (output string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// TaskStore is the persistence the scheduler needs.
type TaskStore interface {
	InsertTask(ctx context.Context, t persistence.Task) error
	SaveTask(ctx context.Context, t persistence.Task) error
	ClaimTask(ctx context.Context, id string, at time.Time) (bool, error)
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error)
	DueTasks(ctx context.Context, now time.Time) ([]persistence.Task, error)
	UpcomingTasks(ctx context.Context, now time.Time, limit int) ([]persistence.Task, error)
	ResetRunning(ctx context.Context) (int64, error)
}

// EventRecorder receives task lifecycle rows (the NeuroBus).
type EventRecorder interface {
	RecordEvent(ctx context.Context, topic string, payload any) error
}

// Config holds the scheduler dependencies.
type Config struct {
	Store    TaskStore
	Executor Executor
	Logger   *slog.Logger
	Events   EventRecorder
	Live     *bus.Bus
	Metrics  *sysotel.Metrics

	Interval      time.Duration
	TaskTimeout   time.Duration
	MaxConcurrent int
	// CatchUp keeps missed repeat slots: each tick runs one overdue slot
	// until next_run is in the future. When false, next_run skips forward
	// past now after every run.
	CatchUp bool
	Now     func() time.Time
}

// Scheduler owns the polling loop and the task operations.
type Scheduler struct {
	store       TaskStore
	executor    Executor
	logger      *slog.Logger
	events      EventRecorder
	live        *bus.Bus
	metrics     *sysotel.Metrics
	interval    time.Duration
	taskTimeout time.Duration
	catchUp     bool
	now         func() time.Time

	sem    chan struct{}
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin polling.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		executor:    cfg.Executor,
		logger:      cfg.Logger,
		events:      cfg.Events,
		live:        cfg.Live,
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		taskTimeout: cfg.TaskTimeout,
		catchUp:     cfg.CatchUp,
		now:         cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.taskTimeout <= 0 {
		s.taskTimeout = DefaultTaskTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	s.sem = make(chan struct{}, n)
	return s
}

// Start recovers tasks orphaned in running by a previous crash and begins
// the loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.ResetRunning(ctx); err != nil {
		s.logger.Error("scheduler: failed to recover running tasks", "error", err)
	} else if n > 0 {
		s.logger.Warn("scheduler: recovered interrupted tasks", "count", n)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "catch_up", s.catchUp)
}

// Stop cancels the loop and waits for it and any in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()
	s.runWG.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// RunDue executes every task due now and waits for them to finish.
func (s *Scheduler) RunDue(ctx context.Context) int {
	n := s.dispatch(ctx)
	s.runWG.Wait()
	return n
}

// dispatch claims due tasks and runs each on its own goroutine, bounded by
// the worker semaphore. Tasks that find no free slot wait for a later tick.
func (s *Scheduler) dispatch(ctx context.Context) int {
	due, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduler: failed to query due tasks", "error", err)
		return 0
	}
	started := 0
	for _, task := range due {
		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Debug("scheduler: worker pool full, deferring task", "task_id", task.ID)
			continue
		}
		claimed, ok := s.claim(ctx, task)
		if !ok {
			<-s.sem
			continue
		}
		started++
		s.runWG.Add(1)
		go func() {
			defer s.runWG.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, claimed)
		}()
	}
	return started
}

// claim moves a due task to running with a conditional update, so a cancel
// or disable that lands after DueTasks read the row is never overwritten.
// The returned task is re-read to pick up edits made in the same window.
func (s *Scheduler) claim(ctx context.Context, task persistence.Task) (persistence.Task, bool) {
	ok, err := s.store.ClaimTask(ctx, task.ID, s.now())
	if err != nil {
		s.logger.Error("scheduler: failed to mark task running", "task_id", task.ID, "error", err)
		return task, false
	}
	if !ok {
		s.logger.Debug("scheduler: task no longer claimable", "task_id", task.ID)
		return task, false
	}
	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.logger.Warn("scheduler: claimed task vanished", "task_id", task.ID, "error", err)
		return task, false
	}
	s.transition(ctx, *current, task.Status)
	return *current, true
}

func (s *Scheduler) execute(ctx context.Context, task persistence.Task) {
	start := s.now()
	execCtx, cancel := context.WithTimeout(shared.WithTaskID(ctx, task.ID), s.taskTimeout)
	output, err := s.runExecutor(execCtx, task.Command)
	if err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = execCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("task exceeded timeout of %s: %w", s.taskTimeout, err)
	}
	cancel()

	// Reload: the task may have been cancelled, edited or deleted mid-run.
	current, gerr := s.store.GetTask(ctx, task.ID)
	if gerr != nil {
		s.logger.Warn("scheduler: task vanished during execution", "task_id", task.ID, "error", gerr)
		return
	}
	if current.Status == persistence.TaskCancelled {
		s.logger.Info("scheduler: task cancelled during execution", "task_id", task.ID)
		return
	}

	now := s.now()
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		current.Status = persistence.TaskFailed
		current.LastError = shared.Redact(err.Error())
		s.logger.Error("scheduler: task execution failed", "task_id", task.ID, "task_name", task.Name, "error", err)
	} else {
		current.Status = persistence.TaskCompleted
		current.RunCount++
		current.LastError = ""
	}
	// Disabled mid-run: keep the outcome but leave it unscheduled.
	if current.Enabled {
		s.advance(current, err == nil, now)
	} else {
		current.NextRun = nil
	}

	if serr := s.store.SaveTask(ctx, *current); serr != nil {
		s.logger.Error("scheduler: failed to persist task result", "task_id", task.ID, "error", serr)
	}
	s.metrics.RecordTaskRun(ctx, outcome, now.Sub(start))
	s.transition(ctx, *current, persistence.TaskRunning)
	s.record(ctx, "task."+outcome, map[string]any{
		"task_id":   current.ID,
		"name":      current.Name,
		"run_count": current.RunCount,
		"next_run":  current.NextRun,
		"output":    truncate(shared.Redact(output), 2048),
		"error":     current.LastError,
	})
	s.logger.Info("scheduler: task finished", "task_id", task.ID, "status", current.Status, "next_run", current.NextRun)
}

func (s *Scheduler) runExecutor(ctx context.Context, command string) (out string, err error) {
	if s.executor == nil {
		return "", errors.New("no task executor configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, command)
}

// advance applies the recurrence policy after one execution. One-shot
// tasks are disabled whatever the outcome; repeating ones step forward from
// the previous next_run, never from the execution time.
func (s *Scheduler) advance(t *persistence.Task, succeeded bool, now time.Time) {
	if t.Repeat == persistence.RepeatOnce || t.Repeat == "" {
		t.Enabled = false
		t.NextRun = nil
		return
	}
	if succeeded && t.MaxRuns > 0 && t.RunCount >= t.MaxRuns {
		t.Enabled = false
		t.NextRun = nil
		return
	}
	next, err := s.nextRun(*t, now)
	if err != nil {
		s.logger.Error("scheduler: cannot compute next run, disabling task", "task_id", t.ID, "error", err)
		t.Enabled = false
		t.NextRun = nil
		return
	}
	t.NextRun = &next
}

func (s *Scheduler) nextRun(t persistence.Task, now time.Time) (time.Time, error) {
	prev := now
	if t.NextRun != nil {
		prev = *t.NextRun
	}

	if t.Repeat == persistence.RepeatCron {
		next, err := NextCronTime(t.CronExpr, prev)
		if err != nil {
			return time.Time{}, err
		}
		if !s.catchUp && !next.After(now) {
			return NextCronTime(t.CronExpr, now)
		}
		return next, nil
	}

	step, err := repeatOffset(t)
	if err != nil {
		return time.Time{}, err
	}
	next := prev.Add(step)
	if !s.catchUp && !next.After(now) {
		missed := now.Sub(next)/step + 1
		next = next.Add(missed * step)
	}
	return next, nil
}

func repeatOffset(t persistence.Task) (time.Duration, error) {
	switch t.Repeat {
	case persistence.RepeatDaily:
		return 24 * time.Hour, nil
	case persistence.RepeatWeekly:
		return 7 * 24 * time.Hour, nil
	case persistence.RepeatMonthly:
		return monthApprox, nil
	case persistence.RepeatCustom:
		if t.RepeatInterval <= 0 {
			return 0, fmt.Errorf("%w: custom repeat requires repeat_interval > 0", ErrInvalidSchedule)
		}
		return time.Duration(t.RepeatInterval) * time.Second, nil
	}
	return 0, fmt.Errorf("%w: unknown repeat %q", ErrInvalidSchedule, t.Repeat)
}

func (s *Scheduler) transition(ctx context.Context, t persistence.Task, old persistence.TaskStatus) {
	if old == t.Status {
		return
	}
	s.live.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    t.ID,
		Name:      t.Name,
		OldStatus: string(old),
		NewStatus: string(t.Status),
	})
}

func (s *Scheduler) record(ctx context.Context, topic string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(ctx, topic, payload); err != nil {
		s.logger.Warn("scheduler: failed to record event", "topic", topic, "error", err)
	}
}

func newTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("task_%d_%s", now.UnixMilli(), suffix)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
