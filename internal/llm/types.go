// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM. The same type is
// persisted as conversation history, so it also carries an ID, the
// creation time and, for tool-role messages, an optional out-of-band
// approval decision supplied by the caller.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Approval   *Approval  `json:"approval,omitempty"`     // Pending human decision
	CreatedAt  time.Time  `json:"created_at,omitzero"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Correlates the call with its tool-role result
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Approval is a human decision attached to a tool-role message for a
// call that must not run until someone confirms it.
type Approval struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries (ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	// Token is set for KindToken events.
	Token string `json:"token,omitempty"`

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolCallID, ToolName, ToolResult and ToolError are set for
	// KindToolCallDone events.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	ToolError  string `json:"tool_error,omitempty"`

	// Response is set for KindDone events (final summary).
	Response *ChatResponse `json:"-"`
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model invokes a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// String returns the wire name used by the UI streaming boundary.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "text"
	case KindToolCallStart:
		return "tool-call"
	case KindToolCallDone:
		return "tool-result"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name so JSON consumers see
// "tool-call" rather than an integer.
func (k StreamEventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
