package llm

import "context"

// Client talks to a chat model server. The agent depends on this
// interface so tests can script model replies.
type Client interface {
	// Chat runs one non-streaming completion over messages, offering
	// the given tool definitions.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream is Chat with incremental delivery: text fragments and
	// tool calls reach callback as they arrive, and the assembled
	// response is returned at the end. A nil callback is allowed.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the model server answers.
	Ping(ctx context.Context) error
}
