package study

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/tools"
)

// ReminderCallback is the scheduler callback that reminders fire.
const ReminderCallback = "executeTask"

// Scheduler registers deferred callbacks for an instance.
// [*scheduler.Scheduler] satisfies it.
type Scheduler interface {
	Schedule(ctx context.Context, instanceID string, trigger scheduler.Trigger, callback, payload string) (*scheduler.Task, error)
}

// Tools is the study tool set bound to one instance's state store and
// scheduler. Handlers never look their instance up; everything they
// touch is held here.
type Tools struct {
	store     *StateStore
	scheduler Scheduler
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewTools binds the study tools to an instance.
func NewTools(store *StateStore, sched Scheduler, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{
		store:     store,
		scheduler: sched,
		logger:    logger.With("instance", store.InstanceID()),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Register adds the four study tools to r.
func (t *Tools) Register(r *tools.Registry) {
	r.Register(&tools.Tool{
		Name:        "saveStudyProfile",
		Description: "Save or update the user's study profile.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":              map[string]any{"type": "string", "description": "The learner's name."},
				"goals":             map[string]any{"type": "string", "description": "What the learner wants to achieve."},
				"preferredSchedule": map[string]any{"type": "string", "description": "When the learner likes to study."},
			},
		},
		Handler: t.saveProfile,
	})

	r.Register(&tools.Tool{
		Name:        "addStudyTask",
		Description: "Add a new study task to the user's task list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string", "description": "Title of the study task."},
			},
			"required": []string{"title"},
		},
		Handler: t.addTask,
	})

	r.Register(&tools.Tool{
		Name:        "listStudyTasks",
		Description: "List the user's study tasks, optionally filtered by status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{string(StatusPending), string(StatusDone)},
				},
			},
		},
		Handler: t.listTasks,
	})

	r.Register(&tools.Tool{
		Name:        "scheduleStudyReminder",
		Description: "Schedule a study reminder to be executed in the future.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"when": map[string]any{
					"type":        "object",
					"description": "When to fire. Set type and the one matching field.",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": []string{"scheduled", "delayed", "cron"},
						},
						"date":           map[string]any{"type": "string", "description": "RFC 3339 date, for type=scheduled."},
						"delayInSeconds": map[string]any{"type": "integer", "description": "Seconds from now, for type=delayed."},
						"cron":           map[string]any{"type": "string", "description": "Cron expression, for type=cron."},
					},
					"required": []string{"type"},
				},
				"message": map[string]any{"type": "string", "description": "Reminder message."},
			},
			"required": []string{"when", "message"},
		},
		Handler: t.scheduleReminder,
	})
}

func (t *Tools) saveProfile(ctx context.Context, args map[string]any) (string, error) {
	u := Profile{
		Name:              optString(args, "name"),
		Goals:             optString(args, "goals"),
		PreferredSchedule: optString(args, "preferredSchedule"),
	}

	err := t.store.Update(ctx, func(st *State) error {
		st.MergeProfile(u)
		return nil
	})
	if err != nil {
		return "", err
	}
	return "Study profile updated successfully.", nil
}

func (t *Tools) addTask(ctx context.Context, args map[string]any) (string, error) {
	title, _ := args["title"].(string)

	task := Task{
		ID:        t.newID(),
		Title:     title,
		Status:    StatusPending,
		CreatedAt: t.now().UTC().Format(time.RFC3339Nano),
	}
	err := t.store.Update(ctx, func(st *State) error {
		st.Tasks = append(st.Tasks, task)
		return nil
	})
	if err != nil {
		return "", err
	}

	t.logger.Debug("study task added", "task_id", task.ID)
	return "Task added: " + task.Title, nil
}

func (t *Tools) listTasks(ctx context.Context, args map[string]any) (string, error) {
	status, _ := args["status"].(string)

	st, err := t.store.Read(ctx)
	if err != nil {
		return "", err
	}

	filtered := st.TasksWithStatus(TaskStatus(status))
	if len(filtered) == 0 {
		return "No tasks found.", nil
	}

	lines := make([]string, 0, len(filtered))
	for _, task := range filtered {
		mark := " "
		if task.Status == StatusDone {
			mark = "x"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (id: %s)", mark, task.Title, task.ID))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Tools) scheduleReminder(ctx context.Context, args map[string]any) (string, error) {
	when, err := ParseWhen(args["when"])
	if err != nil {
		return "", err
	}
	message, _ := args["message"].(string)

	trigger := when.Trigger()
	if _, err := t.scheduler.Schedule(ctx, t.store.InstanceID(), trigger, ReminderCallback, "Reminder: "+message); err != nil {
		t.logger.Warn("error scheduling reminder", "type", when.Type(), "error", err)
		return fmt.Sprintf("Failed to schedule reminder: %v", err), nil
	}

	return fmt.Sprintf("Reminder scheduled (%s): %s", when.Type(), trigger.Value()), nil
}

func optString(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}
