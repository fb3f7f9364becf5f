package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/study"
)

// CallbackExecuteTask is the scheduler callback that delivers a fired
// task into its instance's conversation.
const CallbackExecuteTask = study.ReminderCallback

// ErrInvalidInstanceID is returned for conversation identities that
// cannot be used as storage keys.
var ErrInvalidInstanceID = errors.New("invalid instance id")

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidInstanceID reports whether id is an acceptable conversation
// identity.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// Manager routes conversation identities to their instances, creating
// them on first use.
type Manager struct {
	deps Deps

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a manager whose instances share deps.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:      deps,
		instances: make(map[string]*Instance),
	}
}

// Instance returns the instance for id.
func (m *Manager) Instance(id string) (*Instance, error) {
	if !ValidInstanceID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		inst = newInstance(id, m.deps)
		m.instances[id] = inst
	}
	return inst, nil
}

// IDs returns the identities of instances created so far, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known returns every identity with a live instance or stored study
// state, sorted and without duplicates.
func (m *Manager) Known(ctx context.Context) ([]string, error) {
	stored, err := study.Instances(ctx, m.deps.State)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append(m.IDs(), stored...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ExecuteTask is the [CallbackExecuteTask] scheduler callback. It hands
// the fired task to its instance as an [EventScheduleFired] event, so
// the conversation is only ever changed through [Instance.Handle].
func (m *Manager) ExecuteTask(ctx context.Context, task *scheduler.Task) error {
	inst, err := m.Instance(task.InstanceID)
	if err != nil {
		return err
	}

	_, err = inst.Handle(ctx, Event{
		Kind:    EventScheduleFired,
		TaskID:  task.ID,
		Payload: task.Payload,
		FiredAt: inst.now(),
	}, nil)
	return err
}
