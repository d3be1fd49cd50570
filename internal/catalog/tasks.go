package catalog

import (
	"context"
	"errors"

	"github.com/basket/systerd/internal/persistence"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/registry"
	"github.com/basket/systerd/internal/scheduler"
)

type createTaskArgs struct {
	Name           string `json:"name" jsonschema:"required"`
	Description    string `json:"description,omitempty"`
	Command        string `json:"command" jsonschema:"required"`
	ScheduledTime  string `json:"scheduled_time,omitempty" jsonschema:"description=Relative (+30m) or absolute ISO-8601 time"`
	Repeat         string `json:"repeat,omitempty" jsonschema:"enum=once,enum=daily,enum=weekly,enum=monthly,enum=custom,enum=cron,default=once"`
	RepeatInterval int64  `json:"repeat_interval,omitempty" jsonschema:"description=Seconds between runs when repeat is custom"`
	CronExpr       string `json:"cron_expr,omitempty" jsonschema:"description=Five-field cron expression when repeat is cron"`
	MaxRuns        int    `json:"max_runs,omitempty" jsonschema:"minimum=0"`
}

type listTasksArgs struct {
	Status  string `json:"status,omitempty" jsonschema:"enum=pending,enum=running,enum=completed,enum=failed,enum=cancelled"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"required"`
}

type updateTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required"`
	scheduler.TaskUpdate
}

type reminderArgs struct {
	Message  string `json:"message" jsonschema:"required"`
	RemindAt string `json:"remind_at" jsonschema:"required,description=Relative (+30m) or absolute ISO-8601 time"`
}

type upcomingArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=10"`
}

func taskTools(d Deps) []registry.Descriptor {
	s := d.Scheduler

	views := func(tasks []persistence.Task) []scheduler.TaskView {
		out := make([]scheduler.TaskView, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, s.View(t))
		}
		return out
	}

	return []registry.Descriptor{
		registry.Tool("create_task", "Schedule a command to run once or on a repeating policy",
			func(ctx context.Context, a createTaskArgs) (any, error) {
				t, err := s.CreateTask(ctx, scheduler.TaskSpec(a))
				if err != nil {
					return nil, taskError(err)
				}
				v := s.View(*t)
				return map[string]any{
					"status":             "ok",
					"task_id":            t.ID,
					"task":               v,
					"scheduled_datetime": v.ScheduledDatetime,
				}, nil
			}),
		registry.Tool("list_tasks", "List scheduled tasks ordered by next run",
			func(ctx context.Context, a listTasksArgs) (any, error) {
				tasks, err := s.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatus(a.Status), Enabled: a.Enabled})
				if err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "count": len(tasks), "tasks": views(tasks)}, nil
			}),
		registry.Tool("get_task", "Show one scheduled task",
			func(ctx context.Context, a taskIDArgs) (any, error) {
				t, err := s.GetTask(ctx, a.TaskID)
				if err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "task": s.View(*t)}, nil
			}),
		registry.Tool("update_task", "Change a task's name, command, schedule, run limit or enabled flag",
			func(ctx context.Context, a updateTaskArgs) (any, error) {
				t, err := s.UpdateTask(ctx, a.TaskID, a.TaskUpdate)
				if err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "task": s.View(*t)}, nil
			}),
		registry.Tool("cancel_task", "Cancel a task; it stays listed but never runs again unless re-enabled",
			func(ctx context.Context, a taskIDArgs) (any, error) {
				if _, err := s.CancelTask(ctx, a.TaskID); err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "message": "Task " + a.TaskID + " cancelled"}, nil
			}),
		registry.Tool("delete_task", "Delete a task",
			func(ctx context.Context, a taskIDArgs) (any, error) {
				if err := s.DeleteTask(ctx, a.TaskID); err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "message": "Task " + a.TaskID + " deleted"}, nil
			}),
		registry.Tool("create_reminder", "Schedule a one-shot reminder message",
			func(ctx context.Context, a reminderArgs) (any, error) {
				t, err := s.CreateReminder(ctx, a.Message, a.RemindAt)
				if err != nil {
					return nil, taskError(err)
				}
				v := s.View(*t)
				return map[string]any{
					"status":             "ok",
					"task_id":            t.ID,
					"task":               v,
					"scheduled_datetime": v.ScheduledDatetime,
				}, nil
			}),
		registry.Tool("get_upcoming_tasks", "List enabled tasks due in the future, soonest first",
			func(ctx context.Context, a upcomingArgs) (any, error) {
				tasks, err := s.Upcoming(ctx, a.Limit)
				if err != nil {
					return nil, taskError(err)
				}
				return map[string]any{"status": "ok", "count": len(tasks), "tasks": views(tasks)}, nil
			}),
	}
}

func taskError(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return protocol.InvalidInput(err)
	case errors.Is(err, scheduler.ErrInvalidSchedule):
		return protocol.InvalidInput(err)
	default:
		return protocol.Storage("task store", err)
	}
}
