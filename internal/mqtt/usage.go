package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/studybuddy/internal/events"
)

// Usage is a snapshot of one day's activity.
type Usage struct {
	Date         string `json:"date"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ModelCalls   int64  `json:"model_calls"`
	Turns        int64  `json:"turns"`
	Reminders    int64  `json:"reminders"`
}

// DailyUsage accumulates activity seen on the event bus and resets at
// local midnight. It is safe for concurrent use.
type DailyUsage struct {
	mu    sync.Mutex
	day   Usage
	loc   *time.Location
	clock func() time.Time
}

// NewDailyUsage creates an accumulator using loc for midnight
// detection. If loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, clock: time.Now}
	d.day.Date = d.today()
	return d
}

// Observe folds one bus event into the counters.
func (d *DailyUsage) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindLLMResponse:
		d.day.ModelCalls++
		d.day.InputTokens += asInt64(e.Data["tokens_in"])
		d.day.OutputTokens += asInt64(e.Data["tokens_out"])
	case events.KindTurnComplete:
		d.day.Turns++
	case events.KindReminder:
		d.day.Reminders++
	}
}

// Snapshot returns today's totals after checking for midnight
// rollover.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.day
}

func (d *DailyUsage) today() string {
	return d.clock().In(d.loc).Format(time.DateOnly)
}

// maybeReset must be called with d.mu held.
func (d *DailyUsage) maybeReset() {
	if today := d.today(); today != d.day.Date {
		d.day = Usage{Date: today}
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
