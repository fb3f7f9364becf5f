// Package scheduler handles future task scheduling and execution.
//
// Each task belongs to one agent instance and names a callback that runs
// when it fires. One-shot tasks ("scheduled" and "delayed") are disabled
// after they fire; cron tasks are rescheduled after every firing.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownCallback is recorded as the failure of an execution whose
// task names a callback that was never registered.
var ErrUnknownCallback = errors.New("scheduler: unknown callback")

// ErrTaskNotFound is returned when a task does not exist or belongs to a
// different instance.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// Task is the definition of a scheduled action.
type Task struct {
	ID         string    `json:"id"`          // UUIDv7
	InstanceID string    `json:"instance_id"` // Owning agent instance
	Callback   string    `json:"callback"`    // Registered callback name
	Payload    string    `json:"payload"`     // Passed to the callback verbatim
	Schedule   Schedule  `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// At is the due time for one-shot kinds. Delayed tasks store the
	// absolute time computed at registration.
	At           *time.Time `json:"at,omitempty"`
	DelaySeconds int        `json:"delay_seconds,omitempty"`
	Cron         string     `json:"cron,omitempty"`
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt      ScheduleKind = "scheduled" // One-shot at a specific time
	ScheduleDelayed ScheduleKind = "delayed"   // One-shot after a delay
	ScheduleCron    ScheduleKind = "cron"      // Cron expression
)

// OneShot reports whether tasks of this kind fire at most once.
func (k ScheduleKind) OneShot() bool {
	return k == ScheduleAt || k == ScheduleDelayed
}

// Trigger describes when a new task should fire. Build one with [At],
// [Delay] or [CronExpr].
type Trigger struct {
	kind    ScheduleKind
	at      time.Time
	seconds int
	expr    string
}

// At fires once at t.
func At(t time.Time) Trigger { return Trigger{kind: ScheduleAt, at: t} }

// Delay fires once, seconds after registration.
func Delay(seconds int) Trigger { return Trigger{kind: ScheduleDelayed, seconds: seconds} }

// CronExpr fires on every match of a standard five-field cron expression
// (descriptors such as "@daily" are accepted too).
func CronExpr(expr string) Trigger { return Trigger{kind: ScheduleCron, expr: expr} }

// Kind returns the trigger's schedule kind.
func (t Trigger) Kind() ScheduleKind { return t.kind }

// Value renders the trigger's defining value: the RFC 3339 date, the
// delay in seconds, or the cron expression.
func (t Trigger) Value() string {
	switch t.kind {
	case ScheduleAt:
		return t.at.Format(time.RFC3339)
	case ScheduleDelayed:
		return strconv.Itoa(t.seconds)
	case ScheduleCron:
		return t.expr
	default:
		return ""
	}
}

// schedule resolves the trigger against the registration time.
func (t Trigger) schedule(now time.Time) (Schedule, error) {
	switch t.kind {
	case ScheduleAt:
		if t.at.IsZero() {
			return Schedule{}, errors.New("scheduled trigger has no date")
		}
		at := t.at
		return Schedule{Kind: ScheduleAt, At: &at}, nil
	case ScheduleDelayed:
		if t.seconds < 0 {
			return Schedule{}, fmt.Errorf("negative delay %d", t.seconds)
		}
		at := now.Add(time.Duration(t.seconds) * time.Second)
		return Schedule{Kind: ScheduleDelayed, At: &at, DelaySeconds: t.seconds}, nil
	case ScheduleCron:
		if _, err := cron.ParseStandard(t.expr); err != nil {
			return Schedule{}, fmt.Errorf("parse cron %q: %w", t.expr, err)
		}
		return Schedule{Kind: ScheduleCron, Cron: t.expr}, nil
	default:
		return Schedule{}, fmt.Errorf("unknown trigger kind %q", t.kind)
	}
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`           // UUIDv7
	TaskID      string          `json:"task_id"`      // FK to Task
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// NextRun calculates the next execution time for a task. One-shot tasks
// report their due time even when it has passed, so an overdue task that
// is still enabled fires as soon as it is scheduled.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt, ScheduleDelayed:
		if t.Schedule.At == nil {
			return time.Time{}, false
		}
		return *t.Schedule.At, true

	case ScheduleCron:
		sched, err := cron.ParseStandard(t.Schedule.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(after)
		return next, !next.IsZero()

	default:
		return time.Time{}, false
	}
}
