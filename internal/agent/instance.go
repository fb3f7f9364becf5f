// Package agent implements the chat orchestrator. Each conversation
// identity gets one [Instance] owning its message history, study state
// and tool registry. Every trigger, whether a user message or a fired
// schedule, enters through [Instance.Handle], which runs one turn at a
// time per instance.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/studybuddy/internal/confirm"
	"github.com/nugget/studybuddy/internal/events"
	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/memory"
	"github.com/nugget/studybuddy/internal/prompts"
	"github.com/nugget/studybuddy/internal/study"
	"github.com/nugget/studybuddy/internal/tools"
)

// DefaultMaxSteps bounds model/tool rounds per turn when Options leave
// it unset.
const DefaultMaxSteps = 10

// ScheduledTaskPrefix starts the user-role message recorded when a
// scheduled task fires.
const ScheduledTaskPrefix = "Running scheduled task: "

// History persists an instance's conversation. [*memory.SQLiteStore]
// satisfies it.
type History interface {
	Messages(ctx context.Context, conversationID string) ([]llm.Message, error)
	Append(ctx context.Context, conversationID string, msgs ...llm.Message) error
	Replace(ctx context.Context, conversationID string, msgs []llm.Message) error
	RecordToolCall(ctx context.Context, tc memory.ToolCall) error
	Clear(ctx context.Context, conversationID string) error
}

// Options tune the orchestrator.
type Options struct {
	Model           string
	MaxSteps        int
	ReplyOnSchedule bool // run a model turn after recording a fired schedule
}

// Deps are the collaborators shared by every instance.
type Deps struct {
	Logger    *slog.Logger
	LLM       llm.Client
	History   History
	State     study.KV
	Scheduler study.Scheduler
	Bus       *events.Bus
	Options   Options

	// Now overrides the clock in tests.
	Now func() time.Time
}

// EventKind distinguishes the triggers an instance handles.
type EventKind int

const (
	// EventUserMessage carries client messages: new user text and
	// decisions on gated tool calls.
	EventUserMessage EventKind = iota
	// EventScheduleFired carries a fired scheduler task's payload.
	EventScheduleFired
)

func (k EventKind) String() string {
	switch k {
	case EventUserMessage:
		return "user_message"
	case EventScheduleFired:
		return "schedule_fired"
	default:
		return "unknown"
	}
}

// Event is one inbound trigger.
type Event struct {
	Kind     EventKind
	Messages []llm.Message // EventUserMessage

	TaskID  string    // EventScheduleFired
	Payload string    // EventScheduleFired
	FiredAt time.Time // EventScheduleFired
}

// Result summarizes a completed turn.
type Result struct {
	Content  string                `json:"content"`
	Steps    int                   `json:"steps"`
	Messages []llm.Message         `json:"messages"` // appended during this turn
	Pending  []confirm.PendingCall `json:"pending,omitempty"`
}

// Instance is one conversation's orchestrator.
type Instance struct {
	id       string
	logger   *slog.Logger
	llm      llm.Client
	history  History
	state    *study.StateStore
	registry *tools.Registry
	bus      *events.Bus
	opts     Options
	now      func() time.Time

	turnMu sync.Mutex
	phase  atomic.Int32
}

func newInstance(id string, d Deps) *Instance {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	opts := d.Options
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	state := study.NewStateStore(d.State, id)
	registry := tools.NewRegistry()
	study.NewTools(state, d.Scheduler, logger).Register(registry)

	return &Instance{
		id:       id,
		logger:   logger.With("instance", id),
		llm:      d.LLM,
		history:  d.History,
		state:    state,
		registry: registry,
		bus:      d.Bus,
		opts:     opts,
		now:      now,
	}
}

// ID returns the instance's conversation identity.
func (i *Instance) ID() string { return i.id }

// Phase reports where the instance is within its current turn.
func (i *Instance) Phase() Phase { return Phase(i.phase.Load()) }

// Registry returns the instance's tool registry.
func (i *Instance) Registry() *tools.Registry { return i.registry }

// State returns the instance's current study state.
func (i *Instance) State(ctx context.Context) (*study.State, error) {
	return i.state.Read(ctx)
}

// Messages returns the stored conversation.
func (i *Instance) Messages(ctx context.Context) ([]llm.Message, error) {
	return i.history.Messages(ctx, i.id)
}

// Pending lists gated tool calls waiting for a decision.
func (i *Instance) Pending(ctx context.Context) ([]confirm.PendingCall, error) {
	msgs, err := i.history.Messages(ctx, i.id)
	if err != nil {
		return nil, err
	}
	return confirm.Pending(msgs, i.registry), nil
}

// Reset forgets the conversation's history and study state. It waits
// for a turn in progress to finish first.
func (i *Instance) Reset(ctx context.Context) error {
	i.turnMu.Lock()
	defer i.turnMu.Unlock()

	if err := i.history.Clear(ctx, i.id); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := i.state.Reset(ctx); err != nil {
		return err
	}
	i.logger.Info("conversation reset")
	return nil
}

func (i *Instance) setPhase(p Phase) {
	if Phase(i.phase.Swap(int32(p))) == p {
		return
	}
	i.logger.Debug("phase", "phase", p)
	i.bus.Emit(events.SourceAgent, events.KindPhase, map[string]any{"instance": i.id, "phase": p.String()})
}

// Handle processes one trigger. Only one trigger runs per instance at a
// time; others wait. emit receives stream events until ctx is done and
// may be nil.
//
// Cancelling ctx stops event forwarding and prevents further model
// steps. Tool calls already started run to completion and their
// results are kept.
func (i *Instance) Handle(ctx context.Context, ev Event, emit llm.StreamCallback) (*Result, error) {
	i.turnMu.Lock()
	defer i.turnMu.Unlock()

	start := i.now()
	i.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{"instance": i.id, "trigger": ev.Kind.String()})

	res, err := i.handle(ctx, ev, emit)
	i.setPhase(PhaseIdle)

	data := map[string]any{
		"instance":   i.id,
		"elapsed_ms": i.now().Sub(start).Milliseconds(),
	}
	if res != nil {
		data["steps"] = res.Steps
	}
	if err != nil {
		data["error"] = err.Error()
		i.logger.Error("turn failed", "trigger", ev.Kind.String(), "error", err)
	}
	i.bus.Emit(events.SourceAgent, events.KindTurnComplete, data)

	return res, err
}

func (i *Instance) handle(ctx context.Context, ev Event, emit llm.StreamCallback) (*Result, error) {
	persistCtx := context.WithoutCancel(ctx)

	loaded, err := i.history.Messages(ctx, i.id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	switch ev.Kind {
	case EventScheduleFired:
		firedAt := ev.FiredAt
		if firedAt.IsZero() {
			firedAt = i.now()
		}
		msg := llm.Message{
			ID:        uuid.NewString(),
			Role:      llm.RoleUser,
			Content:   ScheduledTaskPrefix + ev.Payload,
			CreatedAt: firedAt,
		}
		if err := i.history.Append(persistCtx, i.id, msg); err != nil {
			return nil, fmt.Errorf("record scheduled task: %w", err)
		}

		i.logger.Info("scheduled task recorded", "task_id", ev.TaskID)
		i.bus.Emit(events.SourceAgent, events.KindReminder, map[string]any{
			"instance": i.id,
			"task_id":  ev.TaskID,
			"payload":  ev.Payload,
		})

		res := &Result{Messages: []llm.Message{msg}}
		if !i.opts.ReplyOnSchedule {
			return res, nil
		}
		loaded = append(loaded, msg)
		return i.run(ctx, loaded, loaded, emit, res)

	case EventUserMessage:
		incoming := make([]llm.Message, len(ev.Messages))
		for k, m := range ev.Messages {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = i.now()
			}
			incoming[k] = m
		}
		return i.run(ctx, loaded, confirm.Attach(loaded, incoming), emit, &Result{})

	default:
		return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

// run repairs and settles history, persists it, then steps the model
// until it stops calling tools, a gated call needs a decision, or the
// step bound is reached. stored is what the history store currently
// holds.
func (i *Instance) run(ctx context.Context, stored, history []llm.Message, emit llm.StreamCallback, res *Result) (*Result, error) {
	persistCtx := context.WithoutCancel(ctx)
	forward := func(e llm.StreamEvent) {
		if emit != nil && ctx.Err() == nil {
			emit(e)
		}
	}

	i.setPhase(PhaseCleaning)
	history = confirm.Cleanup(history)

	i.setPhase(PhaseResolvingConfirmations)
	history, err := confirm.Resolve(ctx, history, i.registry, forward)
	if err != nil {
		return res, err
	}

	if err := i.sync(persistCtx, stored, history); err != nil {
		return res, err
	}

	var last *llm.ChatResponse
	for step := 1; step <= i.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msgs := make([]llm.Message, 0, len(history)+1)
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.SystemPrompt(i.now())})
		msgs = append(msgs, history...)

		i.setPhase(PhaseInvokingModel)
		streaming := false
		onEvent := func(e llm.StreamEvent) {
			if !streaming {
				streaming = true
				i.setPhase(PhaseStreaming)
			}
			forward(e)
		}

		i.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{"instance": i.id, "step": step, "model": i.opts.Model})
		resp, err := i.llm.ChatStream(ctx, i.opts.Model, msgs, i.registry.List(), onEvent)
		if err != nil {
			return res, fmt.Errorf("model call (step %d): %w", step, err)
		}
		i.setPhase(PhaseStreaming)
		last = resp
		res.Steps = step

		assistant := resp.Message
		assistant.Role = llm.RoleAssistant
		assistant.ID = uuid.NewString()
		assistant.CreatedAt = i.now()
		assistant.ToolCalls = append([]llm.ToolCall(nil), resp.Message.ToolCalls...)
		for k := range assistant.ToolCalls {
			if assistant.ToolCalls[k].ID == "" {
				assistant.ToolCalls[k].ID = "call_" + uuid.NewString()
			}
		}

		i.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"instance":   i.id,
			"step":       step,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(assistant.ToolCalls),
		})

		if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
			i.logger.Warn("model returned an empty response", "step", step)
			break
		}
		res.Content = assistant.Content

		added := []llm.Message{assistant}
		awaiting := false
		var fatal error
		for _, tc := range assistant.ToolCalls {
			forward(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &tc})

			if i.registry.RequiresConfirmation(tc.Function.Name) {
				added = append(added, llm.Message{
					ID:         uuid.NewString(),
					Role:       llm.RoleTool,
					ToolCallID: tc.ID,
					Content:    confirm.AwaitingConfirmation,
					CreatedAt:  i.now(),
				})
				forward(llm.StreamEvent{
					Kind:       llm.KindToolCallDone,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					ToolResult: confirm.AwaitingConfirmation,
				})
				i.bus.Emit(events.SourceAgent, events.KindConfirmationRequired, map[string]any{
					"instance":     i.id,
					"tool":         tc.Function.Name,
					"tool_call_id": tc.ID,
				})
				awaiting = true
				continue
			}

			msg, err := i.execTool(ctx, tc, forward)
			if err != nil {
				fatal = err
				break
			}
			added = append(added, msg)
		}

		history = append(history, added...)
		res.Messages = append(res.Messages, added...)
		if err := i.history.Append(persistCtx, i.id, added...); err != nil {
			return res, fmt.Errorf("persist step %d: %w", step, err)
		}
		if fatal != nil {
			return res, fatal
		}

		if awaiting {
			res.Pending = confirm.Pending(history, i.registry)
			break
		}
		if len(assistant.ToolCalls) == 0 {
			break
		}
		if step == i.opts.MaxSteps {
			i.logger.Warn("step bound reached", "max_steps", i.opts.MaxSteps)
		}
	}

	forward(llm.StreamEvent{Kind: llm.KindDone, Response: last})
	return res, nil
}

// execTool runs one ungated call. Only errors that must abort the turn
// are returned; anything else becomes an "Error: ..." tool result.
func (i *Instance) execTool(ctx context.Context, tc llm.ToolCall, forward llm.StreamCallback) (llm.Message, error) {
	name := tc.Function.Name
	started := i.now()
	i.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"instance": i.id, "tool": name})

	result, err := i.registry.Execute(context.WithoutCancel(ctx), name, tc.Function.Arguments)
	elapsed := i.now().Sub(started)

	if err != nil && tools.IsFatal(err) {
		return llm.Message{}, fmt.Errorf("tool %s: %w", name, err)
	}

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		result = "Error: " + errMsg
		i.logger.Warn("tool call failed", "tool", name, "error", err)
	} else {
		i.logger.Debug("tool call completed", "tool", name, "duration", elapsed)
	}

	args, _ := json.Marshal(tc.Function.Arguments)
	audit := memory.ToolCall{
		ID:             tc.ID,
		ConversationID: i.id,
		ToolName:       name,
		Arguments:      string(args),
		Result:         result,
		Error:          errMsg,
		StartedAt:      started,
		DurationMs:     elapsed.Milliseconds(),
	}
	if err := i.history.RecordToolCall(context.WithoutCancel(ctx), audit); err != nil {
		i.logger.Warn("failed to record tool call", "tool", name, "error", err)
	}

	i.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"instance":    i.id,
		"tool":        name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	forward(llm.StreamEvent{
		Kind:       llm.KindToolCallDone,
		ToolCallID: tc.ID,
		ToolName:   name,
		ToolResult: result,
		ToolError:  errMsg,
	})

	return llm.Message{
		ID:         uuid.NewString(),
		Role:       llm.RoleTool,
		ToolCallID: tc.ID,
		Content:    result,
		CreatedAt:  i.now(),
	}, nil
}

// sync makes the store hold history. When history only extends what is
// stored, the new tail is appended; otherwise the conversation is
// rewritten.
func (i *Instance) sync(ctx context.Context, stored, history []llm.Message) error {
	if len(history) >= len(stored) && sameMessages(stored, history[:len(stored)]) {
		if tail := history[len(stored):]; len(tail) > 0 {
			if err := i.history.Append(ctx, i.id, tail...); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
		}
		return nil
	}
	if err := i.history.Replace(ctx, i.id, history); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

func sameMessages(a, b []llm.Message) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}
