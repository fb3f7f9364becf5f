package study

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/tools"
)

// ErrInvalidScheduleInput is returned when a reminder's "when" object
// has a missing or unrecognized type, or a value that does not fit it.
// It is a hard tool failure, distinct from a scheduler that refuses a
// well-formed request.
var ErrInvalidScheduleInput = errors.New("invalid schedule input")

// When says when a reminder fires. It is exactly one of [Scheduled],
// [Delayed] or [Cron].
type When interface {
	// Type is the wire tag: "scheduled", "delayed" or "cron".
	Type() string
	// Trigger converts the request into a scheduler trigger.
	Trigger() scheduler.Trigger

	isWhen()
}

// Scheduled fires once at Date.
type Scheduled struct{ Date time.Time }

// Delayed fires once, Seconds after registration.
type Delayed struct{ Seconds int }

// Cron fires on every match of Expr.
type Cron struct{ Expr string }

func (Scheduled) Type() string { return "scheduled" }
func (Delayed) Type() string   { return "delayed" }
func (Cron) Type() string      { return "cron" }

func (w Scheduled) Trigger() scheduler.Trigger { return scheduler.At(w.Date) }
func (w Delayed) Trigger() scheduler.Trigger   { return scheduler.Delay(w.Seconds) }
func (w Cron) Trigger() scheduler.Trigger      { return scheduler.CronExpr(w.Expr) }

func (Scheduled) isWhen() {}
func (Delayed) isWhen()   {}
func (Cron) isWhen()      {}

// dateLayouts are accepted for scheduled reminders, most specific first.
// Layouts without a zone are read in local time.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseWhen converts the model-supplied "when" object into a [When].
// Every failure wraps [ErrInvalidScheduleInput].
func ParseWhen(raw any) (When, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: when must be an object", ErrInvalidScheduleInput)
	}

	typ, _ := m["type"].(string)
	switch typ {
	case "scheduled":
		s, _ := m["date"].(string)
		date, err := parseDate(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScheduleInput, err)
		}
		return Scheduled{Date: date}, nil

	case "delayed":
		n, ok := tools.AsInt(m["delayInSeconds"])
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: delayInSeconds must be a non-negative integer", ErrInvalidScheduleInput)
		}
		return Delayed{Seconds: n}, nil

	case "cron":
		expr, _ := m["cron"].(string)
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil, fmt.Errorf("%w: cron expression is empty", ErrInvalidScheduleInput)
		}
		return Cron{Expr: expr}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidScheduleInput, typ)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("date is empty")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
