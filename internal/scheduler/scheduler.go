package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/studybuddy/internal/events"
)

// CallbackFunc is called when a task naming it fires. It receives the
// task's persisted payload and nothing else from the registering turn.
type CallbackFunc func(ctx context.Context, task *Task) error

// executionTimeout bounds a single callback run.
const executionTimeout = 5 * time.Minute

// Scheduler arms one timer per enabled task and runs the task's
// registered callback when it expires.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	bus    *events.Bus

	mu        sync.Mutex
	callbacks map[string]CallbackFunc
	timers    map[string]*time.Timer // taskID -> timer
	running   bool
	wg        sync.WaitGroup
}

// New returns a stopped scheduler over store.
func New(logger *slog.Logger, store *Store) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:    logger,
		store:     store,
		callbacks: make(map[string]CallbackFunc),
		timers:    make(map[string]*time.Timer),
	}
}

// SetEventBus publishes task executions to bus. A nil bus disables
// publishing.
func (s *Scheduler) SetEventBus(bus *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

// Register binds a callback name to the function that runs it.
// Registering the same name twice replaces the earlier function.
func (s *Scheduler) Register(name string, fn CallbackFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[name] = fn
}

// Start begins the scheduler, loading enabled tasks and setting up
// timers. One-shot tasks whose due time passed while the process was
// down fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("scheduler starting")

	tasks, err := s.store.ListTasks(ctx, "", true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	now := time.Now()
	overdue := 0
	for _, task := range tasks {
		if task.Schedule.Kind.OneShot() && task.Schedule.At != nil && task.Schedule.At.Before(now) {
			overdue++
		}
		s.scheduleTask(task)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks), "overdue", overdue)
	return nil
}

// Stop halts the scheduler and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule persists a new task for instanceID and arms its timer. The
// trigger is validated first; an invalid one is returned as an error
// and nothing is stored.
func (s *Scheduler) Schedule(ctx context.Context, instanceID string, trigger Trigger, callback, payload string) (*Task, error) {
	sched, err := trigger.schedule(time.Now())
	if err != nil {
		return nil, err
	}

	task := &Task{
		InstanceID: instanceID,
		Callback:   callback,
		Payload:    payload,
		Schedule:   sched,
		Enabled:    true,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.scheduleTask(task)

	s.logger.Info("task scheduled",
		"id", task.ID,
		"instance", instanceID,
		"callback", callback,
		"kind", sched.Kind,
		"value", trigger.Value(),
	)

	return task, nil
}

// CancelTask removes one of instanceID's tasks.
func (s *Scheduler) CancelTask(ctx context.Context, instanceID, taskID string) error {
	if _, err := s.ownedTask(ctx, instanceID, taskID); err != nil {
		return err
	}

	s.cancelTimer(taskID)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	s.logger.Info("task cancelled", "id", taskID, "instance", instanceID)
	return nil
}

// ListTasks returns instanceID's tasks, including disabled one-shots
// that have already fired.
func (s *Scheduler) ListTasks(ctx context.Context, instanceID string) ([]*Task, error) {
	return s.store.ListTasks(ctx, instanceID, false)
}

// Executions returns up to limit runs of one of instanceID's tasks,
// newest first.
func (s *Scheduler) Executions(ctx context.Context, instanceID, taskID string, limit int) ([]*Execution, error) {
	if _, err := s.ownedTask(ctx, instanceID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, taskID, limit)
}

// TriggerTask runs one of instanceID's tasks now, outside its schedule.
// The timer, if any, is left alone.
func (s *Scheduler) TriggerTask(ctx context.Context, instanceID, taskID string) (*Execution, error) {
	task, err := s.ownedTask(ctx, instanceID, taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, time.Now())
}

// ownedTask loads taskID, hiding tasks of other instances behind
// [ErrTaskNotFound].
func (s *Scheduler) ownedTask(ctx context.Context, instanceID, taskID string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.InstanceID != instanceID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// scheduleTask sets up a timer for the next execution. It is a no-op
// until the scheduler is started.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}

	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onTaskFire(id, next)
	})

	s.logger.Debug("task armed",
		"id", task.ID,
		"next", next,
		"delay", delay,
	)
}

// onTaskFire runs on the timer goroutine for taskID.
func (s *Scheduler) onTaskFire(taskID string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	delete(s.timers, taskID)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()

	// The task may have been cancelled or edited since it was armed.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to get task for execution", "id", taskID, "error", err)
		return
	}

	if !task.Enabled {
		return
	}

	// Disable one-shots before running so a crash mid-callback cannot
	// fire them a second time on restart.
	if task.Schedule.Kind.OneShot() {
		if err := s.store.SetEnabled(ctx, task.ID, false); err != nil {
			s.logger.Error("failed to disable one-shot task", "id", task.ID, "error", err)
		}
	}

	if _, err := s.executeTask(ctx, task, scheduledAt); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	if !task.Schedule.Kind.OneShot() {
		s.scheduleTask(task)
	}
}

// executeTask runs a task's callback and records the execution.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	now := time.Now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &now,
		Status:      StatusRunning,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"instance", task.InstanceID,
		"callback", task.Callback,
		"execution_id", exec.ID,
	)

	s.mu.Lock()
	fn := s.callbacks[task.Callback]
	bus := s.bus
	s.mu.Unlock()

	bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"task_id":  task.ID,
		"instance": task.InstanceID,
		"callback": task.Callback,
	})

	var execErr error
	if fn == nil {
		execErr = fmt.Errorf("%w: %q", ErrUnknownCallback, task.Callback)
	} else {
		execErr = fn(ctx, task)
	}

	completed := time.Now()
	exec.CompletedAt = &completed

	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(*exec.StartedAt),
	)

	return exec, execErr
}

// cancelTimer disarms taskID, if armed.
func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// Stats reports task counts and armed timers for the stats endpoint.
func (s *Scheduler) Stats(ctx context.Context) map[string]any {
	tasks, _ := s.store.ListTasks(ctx, "", false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
		"callbacks":     len(s.callbacks),
	}
}
