// Package confirm repairs conversation history before a model call and
// settles tool calls that were waiting on a human decision.
//
// Tools opt into confirmation with [tools.Tool.RequiresConfirmation].
// When the model calls such a tool, the orchestrator records a tool
// result whose content is [AwaitingConfirmation] instead of running it.
// The client later answers by attaching an [llm.Approval] to that tool
// result, and [Resolve] runs or refuses the call.
package confirm

import (
	"context"
	"fmt"

	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/tools"
)

// AwaitingConfirmation is the placeholder result of a gated call that
// has not been decided yet.
const AwaitingConfirmation = "Awaiting user confirmation."

// Denied is the tool result recorded when the user refuses a call.
const Denied = "Error: User denied access to tool execution"

// Cleanup returns a copy of messages in which every assistant tool call
// has a matching tool result and every tool result has a matching call.
// Calls without results are dropped, results without calls are dropped,
// and assistant messages left with neither content nor tool calls are
// removed. The input is not modified, and Cleanup(Cleanup(m)) equals
// Cleanup(m).
func Cleanup(messages []llm.Message) []llm.Message {
	calls := make(map[string]bool)
	results := make(map[string]bool)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				calls[tc.ID] = true
			}
		case llm.RoleTool:
			results[m.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				kept := make([]llm.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if results[tc.ID] {
						kept = append(kept, tc)
					}
				}
				if len(kept) == 0 {
					kept = nil
				}
				m.ToolCalls = kept
			}
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
		case llm.RoleTool:
			if !calls[m.ToolCallID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// PendingCall is a gated tool call still waiting for a decision.
type PendingCall struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
}

// Pending lists gated calls whose result is still the
// [AwaitingConfirmation] placeholder and carries no decision.
func Pending(messages []llm.Message, registry *tools.Registry) []PendingCall {
	calls := indexCalls(messages)
	var pending []PendingCall
	for _, m := range messages {
		if m.Role != llm.RoleTool || m.Approval != nil || m.Content != AwaitingConfirmation {
			continue
		}
		tc, ok := calls[m.ToolCallID]
		if !ok || !registry.RequiresConfirmation(tc.Function.Name) {
			continue
		}
		pending = append(pending, PendingCall{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Arguments:  tc.Function.Arguments,
		})
	}
	return pending
}

// Resolve settles every [AwaitingConfirmation] result carrying an
// approval decision. For a gated tool, approval runs the registered
// handler with the original call arguments and records its output;
// denial records [Denied]. A decision attached to a result that is
// already settled, or to a tool that is not gated, is cleared without
// running anything, so each gated call runs or is declined at most once.
// Each settled call is reported through emit.
//
// Handlers run under a context that ignores cancellation so a started
// mutation is not torn down halfway. A handler error is recorded as the
// tool result unless [tools.IsFatal] says it must abort the turn, in
// which case Resolve returns it.
func Resolve(ctx context.Context, messages []llm.Message, registry *tools.Registry, emit llm.StreamCallback) ([]llm.Message, error) {
	calls := indexCalls(messages)
	out := make([]llm.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role != llm.RoleTool || m.Approval == nil {
			continue
		}
		approval := *m.Approval
		m.Approval = nil

		tc, ok := calls[m.ToolCallID]
		if !ok || m.Content != AwaitingConfirmation || !registry.RequiresConfirmation(tc.Function.Name) {
			out[i] = m
			continue
		}

		var toolErr string
		if approval.Approved {
			result, err := registry.Execute(context.WithoutCancel(ctx), tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				if tools.IsFatal(err) {
					return nil, fmt.Errorf("confirmed %s: %w", tc.Function.Name, err)
				}
				toolErr = err.Error()
				result = "Error: " + err.Error()
			}
			m.Content = result
		} else {
			m.Content = Denied
			toolErr = Denied
		}
		out[i] = m

		if emit != nil {
			emit(llm.StreamEvent{
				Kind:       llm.KindToolCallDone,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				ToolResult: m.Content,
				ToolError:  toolErr,
			})
		}
	}
	return out, nil
}

// Attach merges client-supplied messages into history. A tool-role
// message answering a call already in history updates the recorded
// result in place while it is still [AwaitingConfirmation] (this is how
// decisions arrive) and is dropped once the result is settled; anything
// else is appended.
func Attach(history, incoming []llm.Message) []llm.Message {
	out := make([]llm.Message, len(history), len(history)+len(incoming))
	copy(out, history)

	index := make(map[string]int)
	for i, m := range out {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			index[m.ToolCallID] = i
		}
	}

	for _, m := range incoming {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			if i, ok := index[m.ToolCallID]; ok {
				prev := out[i]
				if prev.Content != AwaitingConfirmation {
					continue
				}
				prev.Approval = m.Approval
				if m.Content != "" {
					prev.Content = m.Content
				}
				out[i] = prev
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func indexCalls(messages []llm.Message) map[string]llm.ToolCall {
	calls := make(map[string]llm.ToolCall)
	for _, m := range messages {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = tc
		}
	}
	return calls
}
