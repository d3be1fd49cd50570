package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/systerd/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func newTask(id string, next time.Time) persistence.Task {
	n := next.UTC()
	return persistence.Task{
		ID:            id,
		Name:          "task " + id,
		Command:       "echo " + id,
		ScheduledTime: n,
		Status:        persistence.TaskPending,
		Repeat:        persistence.RepeatOnce,
		CreatedAt:     time.Now().UTC(),
		NextRun:       &n,
		Enabled:       true,
	}
}

func TestOpen_ReopenKeepsSchema(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if err := store.InsertTask(ctx, newTask("a", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	var version int
	if err := again.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
	if _, err := again.GetTask(ctx, "a"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	next := time.Date(2026, 10, 20, 9, 0, 0, 123456789, time.UTC)
	task := newTask("rt", next)
	task.Repeat = persistence.RepeatCustom
	task.RepeatInterval = 90
	task.MaxRuns = 3
	task.CreatedAt = next.Add(-time.Hour)

	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetTask(ctx, "rt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(task, *got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	got.Status = persistence.TaskCompleted
	got.Enabled = false
	got.NextRun = nil
	got.RunCount = 1
	if err := store.SaveTask(ctx, *got); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, _ := store.GetTask(ctx, "rt")
	if again.NextRun != nil || again.Enabled || again.RunCount != 1 {
		t.Fatalf("save not applied: %+v", again)
	}
}

func TestNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.GetTask(ctx, "nope"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("get: %v", err)
	}
	if err := store.DeleteTask(ctx, "nope"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("delete: %v", err)
	}
	if err := store.SaveTask(ctx, newTask("nope", time.Now())); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("save: %v", err)
	}
}

func TestDueAndUpcoming(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := newTask("past", now.Add(-time.Minute))
	future := newTask("future", now.Add(time.Hour))
	disabled := newTask("disabled", now.Add(-time.Minute))
	disabled.Enabled = false
	cancelled := newTask("cancelled", now.Add(-time.Minute))
	cancelled.Status = persistence.TaskCancelled
	for _, task := range []persistence.Task{past, future, disabled, cancelled} {
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}

	due, err := store.DueTasks(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "past" {
		t.Fatalf("due = %+v, want [past]", due)
	}

	upcoming, err := store.UpcomingTasks(ctx, now, 5)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != "future" {
		t.Fatalf("upcoming = %+v, want [future]", upcoming)
	}
}

func TestListTasksFilterAndOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	late := newTask("late", now.Add(2*time.Hour))
	early := newTask("early", now.Add(time.Hour))
	done := newTask("done", now)
	done.NextRun = nil
	done.Enabled = false
	done.Status = persistence.TaskCompleted
	for _, task := range []persistence.Task{late, done, early} {
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range all {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]string{"early", "late", "done"}, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	enabled := true
	onlyEnabled, _ := store.ListTasks(ctx, persistence.TaskFilter{Enabled: &enabled})
	if len(onlyEnabled) != 2 {
		t.Fatalf("enabled filter returned %d", len(onlyEnabled))
	}
	completed, _ := store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskCompleted})
	if len(completed) != 1 || completed[0].ID != "done" {
		t.Fatalf("status filter returned %+v", completed)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[persistence.TaskPending] != 2 || counts[persistence.TaskCompleted] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestResetRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := newTask("crashed", time.Now())
	task.Status = persistence.TaskRunning
	if err := store.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	n, err := store.ResetRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	got, _ := store.GetTask(ctx, "crashed")
	if got.Status != persistence.TaskPending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestClaimTask_OnlyClaimableRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, tc := range []struct {
		id      string
		mutate  func(*persistence.Task)
		claimed bool
	}{
		{"ready", func(*persistence.Task) {}, true},
		{"failed-before", func(t *persistence.Task) { t.Status = persistence.TaskFailed }, true},
		{"disabled", func(t *persistence.Task) { t.Enabled = false }, false},
		{"cancelled", func(t *persistence.Task) { t.Status = persistence.TaskCancelled }, false},
		{"running", func(t *persistence.Task) { t.Status = persistence.TaskRunning }, false},
	} {
		task := newTask(tc.id, now)
		tc.mutate(&task)
		if err := store.InsertTask(ctx, task); err != nil {
			t.Fatalf("%s: insert: %v", tc.id, err)
		}
		ok, err := store.ClaimTask(ctx, tc.id, now)
		if err != nil {
			t.Fatalf("%s: claim: %v", tc.id, err)
		}
		if ok != tc.claimed {
			t.Errorf("%s: claimed = %v, want %v", tc.id, ok, tc.claimed)
		}
		if !ok {
			continue
		}
		got, _ := store.GetTask(ctx, tc.id)
		if got.Status != persistence.TaskRunning || got.LastRun == nil || !got.LastRun.Equal(now) {
			t.Errorf("%s: after claim %+v", tc.id, got)
		}
	}

	if ok, err := store.ClaimTask(ctx, "ready", now); err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}
	if ok, err := store.ClaimTask(ctx, "missing", now); err != nil || ok {
		t.Fatalf("missing claim = %v, %v", ok, err)
	}
}
