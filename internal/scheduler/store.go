package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists tasks and their execution history in SQLite. Each
// schedule field gets its own column so tasks can be inspected with
// plain SQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the scheduler database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open scheduler database: %w", err)
	}
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB takes ownership of db and creates the schema.
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(schedulerSchema); err != nil {
		return nil, fmt.Errorf("create scheduler schema: %w", err)
	}
	return s, nil
}

const schedulerSchema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id            TEXT PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	callback      TEXT NOT NULL,
	payload       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	due_at        TEXT,
	delay_seconds INTEGER NOT NULL DEFAULT 0,
	cron_expr     TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_instance ON scheduled_tasks(instance_id, created_at);

CREATE TABLE IF NOT EXISTS task_runs (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
	scheduled_at TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_at);
`

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a time-ordered identifier for tasks and executions.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

const taskColumns = `id, instance_id, callback, payload, kind, due_at, delay_seconds, cron_expr, enabled, created_at, updated_at`

// CreateTask inserts t, filling in its ID and timestamps when unset.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := s.now()
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.InstanceID, t.Callback, t.Payload,
		string(t.Schedule.Kind), stampPtr(t.Schedule.At), t.Schedule.DelaySeconds, t.Schedule.Cron,
		t.Enabled, stamp(t.CreatedAt), stamp(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task, or returns [ErrTaskNotFound].
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks oldest first. An empty instanceID spans every
// instance; enabledOnly skips disabled tasks.
func (s *Store) ListTasks(ctx context.Context, instanceID string, enabledOnly bool) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE (? = '' OR instance_id = ?) AND (? = 0 OR enabled = 1)
		 ORDER BY created_at, id`,
		instanceID, instanceID, enabledOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetEnabled turns a task on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, stamp(s.now()), id,
	); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task together with its execution history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	defer tx.Rollback()

	// Not every driver enforces the cascade, so runs go first.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete runs of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return tx.Commit()
}

// CreateExecution records the start of a run.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_id, scheduled_at, started_at, completed_at, status, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, stamp(e.ScheduledAt), stampPtr(e.StartedAt), stampPtr(e.CompletedAt),
		string(e.Status), e.Result,
	); err != nil {
		return fmt.Errorf("insert run for task %s: %w", e.TaskID, err)
	}
	return nil
}

// UpdateExecution stores a run's progress or outcome.
func (s *Store) UpdateExecution(ctx context.Context, e *Execution) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET started_at = ?, completed_at = ?, status = ?, result = ? WHERE id = ?`,
		stampPtr(e.StartedAt), stampPtr(e.CompletedAt), string(e.Status), e.Result, e.ID,
	); err != nil {
		return fmt.Errorf("update run %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns up to limit runs of a task, most recent first.
// A non-positive limit means 100.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, scheduled_at, started_at, completed_at, status, result
		 FROM task_runs WHERE task_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []*Execution
	for rows.Next() {
		var (
			e                  Execution
			status, scheduled  string
			started, completed sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &scheduled, &started, &completed, &status, &e.Result); err != nil {
			return nil, fmt.Errorf("list runs of %s: %w", taskID, err)
		}
		e.Status = ExecutionStatus(status)
		e.ScheduledAt = unstamp(scheduled)
		e.StartedAt = unstampNull(started)
		e.CompletedAt = unstampNull(completed)
		runs = append(runs, &e)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                Task
		kind             string
		due              sql.NullString
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.InstanceID, &t.Callback, &t.Payload,
		&kind, &due, &t.Schedule.DelaySeconds, &t.Schedule.Cron,
		&t.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	t.Schedule.Kind = ScheduleKind(kind)
	t.Schedule.At = unstampNull(due)
	t.CreatedAt = unstamp(created)
	t.UpdatedAt = unstamp(updated)
	return &t, nil
}

// stampLayout is fixed width so stored times sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

func stamp(t time.Time) string { return t.UTC().Format(stampLayout) }

func stampPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

func unstamp(s string) time.Time {
	t, _ := time.Parse(stampLayout, s)
	return t
}

func unstampNull(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := unstamp(ns.String)
	return &t
}
