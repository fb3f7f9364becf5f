// Package memory provides conversation history storage.
//
// Each agent instance owns one conversation, keyed by instance ID. The
// stored transcript is the exact [llm.Message] sequence the model sees,
// tool calls and tool results included, plus an audit trail of every
// tool execution.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/studybuddy/internal/llm"
)

// SQLiteStore is a SQLite-backed conversation store.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore creates a new SQLite-backed store. maxMessages bounds
// how many of the most recent messages [SQLiteStore.Messages] returns.
func NewSQLiteStore(dbPath string, maxMessages int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewSQLiteStoreFromDB(db, maxMessages)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already-open database.
func NewSQLiteStoreFromDB(db *sql.DB, maxMessages int) (*SQLiteStore, error) {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	store := &SQLiteStore{db: db, maxMessages: maxMessages}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		approval TEXT,
		token_count INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Messages returns the most recent messages of a conversation in order.
// The window holds up to the store's message limit, reaching further
// back when it would otherwise open on tool results cut off from the
// assistant message that called them. An unknown conversation has no
// messages.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]llm.Message, error) {
	start, err := s.windowStart(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, approval, created_at
		FROM messages WHERE conversation_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, conversationID, start)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []llm.Message{}
	for rows.Next() {
		var m llm.Message
		var toolCalls, toolCallID, approval sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &approval, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		if approval.Valid && approval.String != "" {
			m.Approval = &llm.Approval{}
			if err := json.Unmarshal([]byte(approval.String), m.Approval); err != nil {
				return nil, fmt.Errorf("decode approval of %s: %w", m.ID, err)
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// Append adds messages to the end of a conversation. Messages without an
// ID or creation time are given one.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msgs ...llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insert(ctx, tx, conversationID, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// Replace overwrites the window [SQLiteStore.Messages] returns with
// msgs. Older messages outside the window are kept.
func (s *SQLiteStore) Replace(ctx context.Context, conversationID string, msgs []llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	start, err := s.windowStart(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND seq >= ?`, conversationID, start,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := s.insert(ctx, tx, conversationID, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// windowStart returns the lowest seq of the conversation's load window.
// A window opening on tool results is widened to the nearest earlier
// message of another role.
func (s *SQLiteStore) windowStart(ctx context.Context, q rowQuerier, conversationID string) (int64, error) {
	var (
		start int64
		role  string
	)
	err := q.QueryRowContext(ctx, `
		SELECT seq, role FROM messages WHERE conversation_id = ?
		ORDER BY seq DESC LIMIT 1 OFFSET ?
	`, conversationID, s.maxMessages-1).Scan(&start, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find history window: %w", err)
	}
	if role != llm.RoleTool {
		return start, nil
	}

	var caller sql.NullInt64
	if err := q.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM messages
		WHERE conversation_id = ? AND seq < ? AND role != ?
	`, conversationID, start, llm.RoleTool).Scan(&caller); err != nil {
		return 0, fmt.Errorf("widen history window: %w", err)
	}
	if caller.Valid {
		start = caller.Int64
	}
	return start, nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, conversationID string, msgs []llm.Message) error {
	now := time.Now()

	// Ensure conversation exists
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for _, m := range msgs {
		seq++
		if m.ID == "" {
			id, _ := uuid.NewV7()
			m.ID = id.String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}

		var toolCalls, approval any
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(b)
		}
		if m.Approval != nil {
			b, err := json.Marshal(m.Approval)
			if err != nil {
				return fmt.Errorf("encode approval: %w", err)
			}
			approval = string(b)
		}
		var toolCallID any
		if m.ToolCallID != "" {
			toolCallID = m.ToolCallID
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, approval, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, conversationID, seq, m.Role, m.Content, toolCalls, toolCallID, approval,
			estimateTokens(m.Content), m.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// Clear removes a conversation with its messages and tool calls.
func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM tool_calls WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, conversationID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Stats returns memory statistics.
func (s *SQLiteStore) Stats(ctx context.Context) map[string]any {
	var convCount, msgCount, tokenCount, toolCount int

	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(token_count), 0) FROM messages`).Scan(&tokenCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls`).Scan(&toolCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"total_tokens":  tokenCount,
		"tool_calls":    toolCount,
		"max_per_conv":  s.maxMessages,
		"storage":       "sqlite",
	}
}

// estimateTokens is a rough heuristic used for stats only.
func estimateTokens(text string) int {
	return len(text) / 4
}

// ToolCall represents a recorded tool invocation.
type ToolCall struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	Arguments      string    `json:"arguments"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
}

// RecordToolCall stores one completed tool execution.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, tc ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tool_calls (id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, tc.ConversationID, tc.ToolName, tc.Arguments, tc.Result, tc.Error,
		tc.StartedAt.Format(time.RFC3339Nano), tc.DurationMs)
	return err
}

// ToolCalls returns a conversation's most recent tool executions,
// newest first.
func (s *SQLiteStore) ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCall, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var result, errMsg sql.NullString
		var startedAt string
		var durationMs sql.NullInt64
		if err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.ToolName, &tc.Arguments,
			&result, &errMsg, &startedAt, &durationMs); err != nil {
			return nil, err
		}
		tc.Result = result.String
		tc.Error = errMsg.String
		tc.DurationMs = durationMs.Int64
		tc.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
