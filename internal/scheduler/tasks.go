package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/systerd/internal/persistence"
)

// TaskSpec is the input to CreateTask.
type TaskSpec struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Command        string `json:"command"`
	ScheduledTime  string `json:"scheduled_time,omitempty"`
	Repeat         string `json:"repeat,omitempty"`
	RepeatInterval int64  `json:"repeat_interval,omitempty"`
	CronExpr       string `json:"cron_expr,omitempty"`
	MaxRuns        int    `json:"max_runs,omitempty"`
}

// TaskUpdate carries the mutable fields of a task. Nil fields are left as is.
type TaskUpdate struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Command       *string `json:"command,omitempty"`
	ScheduledTime *string `json:"scheduled_time,omitempty"`
	MaxRuns       *int    `json:"max_runs,omitempty"`
	Enabled       *bool   `json:"enabled,omitempty"`
}

// TaskView decorates a task with human-readable times for tool output.
type TaskView struct {
	persistence.Task
	ScheduledDatetime string `json:"scheduled_datetime"`
	NextRunDatetime   string `json:"next_run_datetime,omitempty"`
	TimeUntil         string `json:"time_until,omitempty"`
}

// View renders t relative to the scheduler clock.
func (s *Scheduler) View(t persistence.Task) TaskView {
	v := TaskView{Task: t, ScheduledDatetime: t.ScheduledTime.Local().Format(time.RFC3339)}
	if t.NextRun != nil {
		v.NextRunDatetime = t.NextRun.Local().Format(time.RFC3339)
		v.TimeUntil = FormatDuration(t.NextRun.Sub(s.now()))
	}
	return v
}

// CreateTask validates spec and persists a new enabled task.
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (*persistence.Task, error) {
	now := s.now()
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidSchedule)
	}
	repeat := persistence.Repeat(strings.ToLower(strings.TrimSpace(spec.Repeat)))
	if repeat == "" {
		repeat = persistence.RepeatOnce
	}
	if spec.MaxRuns < 0 {
		return nil, fmt.Errorf("%w: max_runs must be >= 0", ErrInvalidSchedule)
	}

	var scheduled time.Time
	switch repeat {
	case persistence.RepeatOnce, persistence.RepeatDaily, persistence.RepeatWeekly, persistence.RepeatMonthly:
	case persistence.RepeatCustom:
		if spec.RepeatInterval <= 0 {
			return nil, fmt.Errorf("%w: custom repeat requires repeat_interval > 0", ErrInvalidSchedule)
		}
	case persistence.RepeatCron:
		first, err := NextCronTime(spec.CronExpr, now)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(spec.ScheduledTime) == "" {
			scheduled = first
		}
	default:
		return nil, fmt.Errorf("%w: unknown repeat %q (once, daily, weekly, monthly, custom, cron)", ErrInvalidSchedule, spec.Repeat)
	}

	if scheduled.IsZero() {
		t, err := ParseScheduledTime(spec.ScheduledTime, now)
		if err != nil {
			return nil, err
		}
		scheduled = t
	}

	next := scheduled
	task := persistence.Task{
		ID:             newTaskID(now),
		Name:           spec.Name,
		Description:    spec.Description,
		Command:        spec.Command,
		ScheduledTime:  scheduled,
		Status:         persistence.TaskPending,
		Repeat:         repeat,
		RepeatInterval: spec.RepeatInterval,
		CronExpr:       spec.CronExpr,
		CreatedAt:      now,
		NextRun:        &next,
		MaxRuns:        spec.MaxRuns,
		Enabled:        true,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.record(ctx, "task.created", map[string]any{
		"task_id":  task.ID,
		"name":     task.Name,
		"repeat":   task.Repeat,
		"next_run": task.NextRun,
	})
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name, "repeat", task.Repeat, "next_run", next)
	return &task, nil
}

// CreateReminder schedules a one-shot echo of message.
func (s *Scheduler) CreateReminder(ctx context.Context, message, remindAt string) (*persistence.Task, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidSchedule)
	}
	short := message
	if r := []rune(short); len(r) > 30 {
		short = string(r[:30])
	}
	return s.CreateTask(ctx, TaskSpec{
		Name:          "Reminder: " + short,
		Description:   message,
		Command:       "echo 'REMINDER: " + strings.ReplaceAll(message, "'", `'\''`) + "'",
		ScheduledTime: remindAt,
		Repeat:        string(persistence.RepeatOnce),
	})
}

// ListTasks returns tasks ordered by next run, unscheduled last.
func (s *Scheduler) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// GetTask returns one task or ErrTaskNotFound.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return s.store.GetTask(ctx, id)
}

// UpdateTask applies u to the task. A running task can be edited; the
// running execution re-reads the row when it finishes.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*persistence.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidSchedule)
		}
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Command != nil {
		if strings.TrimSpace(*u.Command) == "" {
			return nil, fmt.Errorf("%w: command cannot be empty", ErrInvalidSchedule)
		}
		t.Command = *u.Command
	}
	if u.MaxRuns != nil {
		if *u.MaxRuns < 0 {
			return nil, fmt.Errorf("%w: max_runs must be >= 0", ErrInvalidSchedule)
		}
		t.MaxRuns = *u.MaxRuns
	}
	if u.ScheduledTime != nil {
		at, err := ParseScheduledTime(*u.ScheduledTime, now)
		if err != nil {
			return nil, err
		}
		t.ScheduledTime = at
		if t.Enabled {
			t.NextRun = &at
		}
	}
	if u.Enabled != nil && *u.Enabled != t.Enabled {
		t.Enabled = *u.Enabled
		if t.Enabled {
			next := t.ScheduledTime
			if t.NextRun != nil {
				next = *t.NextRun
			}
			if next.Before(now) {
				next = now
			}
			t.NextRun = &next
			if t.Status == persistence.TaskCancelled {
				t.Status = persistence.TaskPending
			}
		} else {
			t.NextRun = nil
		}
	}
	if err := s.store.SaveTask(ctx, *t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	s.record(ctx, "task.updated", map[string]any{"task_id": t.ID, "enabled": t.Enabled, "next_run": t.NextRun})
	return t, nil
}

// CancelTask marks the task cancelled and disabled. A cancelled task is
// never picked up again unless re-enabled through UpdateTask.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (*persistence.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	old := t.Status
	t.Status = persistence.TaskCancelled
	t.Enabled = false
	t.NextRun = nil
	if err := s.store.SaveTask(ctx, *t); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	s.transition(ctx, *t, old)
	s.record(ctx, "task.cancelled", map[string]any{"task_id": t.ID, "name": t.Name})
	s.logger.Info("task cancelled", "task_id", t.ID)
	return t, nil
}

// DeleteTask removes the task row.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return err
		}
		return fmt.Errorf("delete task: %w", err)
	}
	s.record(ctx, "task.deleted", map[string]any{"task_id": id})
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// Upcoming returns enabled tasks whose next run is in the future, soonest
// first.
func (s *Scheduler) Upcoming(ctx context.Context, limit int) ([]persistence.Task, error) {
	return s.store.UpcomingTasks(ctx, s.now(), limit)
}
