// Package study holds the Study Buddy domain: the per-instance study
// state (profile and task list), its persistence, and the tools the
// model uses to read and change it.
package study

// TaskStatus is the lifecycle state of a study task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusDone    TaskStatus = "done"
)

// Profile describes the learner. A nil field was never provided; it is
// never defaulted.
type Profile struct {
	Name              *string `json:"name,omitempty"`
	Goals             *string `json:"goals,omitempty"`
	PreferredSchedule *string `json:"preferredSchedule,omitempty"`
}

// Merge copies every non-nil field of u onto p. Nil fields of u leave
// p untouched.
func (p *Profile) Merge(u Profile) {
	if u.Name != nil {
		p.Name = u.Name
	}
	if u.Goals != nil {
		p.Goals = u.Goals
	}
	if u.PreferredSchedule != nil {
		p.PreferredSchedule = u.PreferredSchedule
	}
}

// Task is one entry in the study task list.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	CreatedAt string     `json:"createdAt"` // RFC 3339
}

// State is everything persisted for one agent instance.
type State struct {
	Profile *Profile `json:"profile,omitempty"`
	Tasks   []Task   `json:"tasks"`
}

// MergeProfile shallow-merges u into the stored profile, creating it on
// first use.
func (s *State) MergeProfile(u Profile) {
	if s.Profile == nil {
		s.Profile = &Profile{}
	}
	s.Profile.Merge(u)
}

// TasksWithStatus returns tasks in insertion order, filtered by status
// when status is non-empty.
func (s *State) TasksWithStatus(status TaskStatus) []Task {
	if status == "" {
		return s.Tasks
	}
	var out []Task
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func (s *State) normalize() {
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
}
