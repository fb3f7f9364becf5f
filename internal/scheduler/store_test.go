package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scheduler_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStoreFromDB(db)
	if err != nil {
		t.Fatalf("NewStoreFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask error = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_CreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	want := &Task{
		InstanceID: "alice",
		Callback:   "executeTask",
		Payload:    "Reminder: Review calculus",
		Schedule:   Schedule{Kind: ScheduleDelayed, At: &at, DelaySeconds: 3600},
		Enabled:    true,
	}
	if err := s.CreateTask(ctx, want); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if want.ID == "" {
		t.Fatal("CreateTask did not assign an ID")
	}

	got, err := s.GetTask(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.InstanceID != "alice" || got.Callback != "executeTask" || got.Payload != want.Payload {
		t.Errorf("task = %+v", got)
	}
	if got.Schedule.Kind != ScheduleDelayed || got.Schedule.DelaySeconds != 3600 {
		t.Errorf("schedule = %+v", got.Schedule)
	}
	if got.Schedule.At == nil || !got.Schedule.At.Equal(at) {
		t.Errorf("schedule.At = %v, want %v", got.Schedule.At, at)
	}
	if !got.Enabled {
		t.Error("Enabled = false, want true")
	}
}

func TestStore_ListTasks_InstanceScope(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	for _, inst := range []string{"alice", "bob", "alice"} {
		task := &Task{InstanceID: inst, Callback: "executeTask", Schedule: Schedule{Kind: ScheduleCron, Cron: "@daily"}, Enabled: true}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	alice, err := s.ListTasks(ctx, "alice", false)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(alice) != 2 {
		t.Errorf("alice has %d tasks, want 2", len(alice))
	}

	all, err := s.ListTasks(ctx, "", false)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all has %d tasks, want 3", len(all))
	}
}

func TestStore_SetEnabled(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	task := &Task{InstanceID: "alice", Callback: "executeTask", Schedule: Schedule{Kind: ScheduleCron, Cron: "@hourly"}, Enabled: true}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SetEnabled(ctx, task.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	enabled, err := s.ListTasks(ctx, "alice", true)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled tasks = %d, want 0", len(enabled))
	}
}

func TestStore_Executions(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	task := &Task{InstanceID: "alice", Callback: "executeTask", Schedule: Schedule{Kind: ScheduleCron, Cron: "@hourly"}, Enabled: true}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	started := time.Now()
	exec := &Execution{TaskID: task.ID, ScheduledAt: started, StartedAt: &started, Status: StatusRunning}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	done := started.Add(time.Second)
	exec.CompletedAt = &done
	exec.Status = StatusFailed
	exec.Result = "boom"
	if err := s.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	execs, err := s.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != StatusFailed || execs[0].Result != "boom" || execs[0].CompletedAt == nil {
		t.Errorf("execution = %+v", execs[0])
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	execs, err = s.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions after delete: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("executions after delete = %d, want 0", len(execs))
	}
}
