// Package usage keeps a persistent ledger of model token usage per
// conversation. Records are appended from the event bus as each model
// call completes and are aggregated on demand for the API.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/studybuddy/internal/events"
)

// Record is one model call's token usage.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	InstanceID   string    `json:"instance_id"`
	Model        string    `json:"model"`
	Step         int       `json:"step"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Summary aggregates records.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite ledger of usage records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the ledger at dbPath, creating its schema if needed.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB uses an existing connection. Tests pass an in-memory
// database here.
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_usage (
		id            TEXT PRIMARY KEY,
		ts            TEXT NOT NULL,
		instance_id   TEXT NOT NULL,
		model         TEXT NOT NULL,
		step          INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_usage_instance_ts ON model_usage(instance_id, ts);
	`)
	return err
}

// Record appends rec, assigning an ID and timestamp when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_usage (id, ts, instance_id, model, step, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTS(rec.Timestamp), rec.InstanceID, rec.Model,
		rec.Step, rec.InputTokens, rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals records for instanceID within [start, end). An empty
// instanceID covers every conversation.
func (s *Store) Summary(ctx context.Context, instanceID string, start, end time.Time) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage
		 WHERE (? = '' OR instance_id = ?) AND ts >= ? AND ts < ?`,
		instanceID, instanceID, formatTS(start), formatTS(end),
	).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryByModel is Summary grouped by model name.
func (s *Store) SummaryByModel(ctx context.Context, instanceID string, start, end time.Time) (map[string]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM model_usage
		 WHERE (? = '' OR instance_id = ?) AND ts >= ? AND ts < ?
		 GROUP BY model`,
		instanceID, instanceID, formatTS(start), formatTS(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		out[model] = sum
	}
	return out, rows.Err()
}

// Stats reports the last 24 hours across all conversations.
func (s *Store) Stats(ctx context.Context) map[string]any {
	now := s.now()
	sum, err := s.Summary(ctx, "", now.Add(-24*time.Hour), now.Add(time.Second))
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"calls_24h":         sum.Calls,
		"input_tokens_24h":  sum.InputTokens,
		"output_tokens_24h": sum.OutputTokens,
	}
}

// Run records every [events.KindLLMResponse] published on bus until ctx
// is cancelled. Write failures are returned to onError, when set, and
// do not stop the loop.
func (s *Store) Run(ctx context.Context, bus *events.Bus, onError func(error)) {
	ch := bus.SubscribeKinds(256, events.KindLLMResponse)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			rec, ok := recordFromEvent(e)
			if !ok {
				continue
			}
			if err := s.Record(ctx, rec); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func recordFromEvent(e events.Event) (Record, bool) {
	if e.Source != events.SourceAgent || e.Kind != events.KindLLMResponse {
		return Record{}, false
	}
	instance, _ := e.Data["instance"].(string)
	if instance == "" {
		return Record{}, false
	}
	model, _ := e.Data["model"].(string)
	return Record{
		Timestamp:    e.Timestamp,
		InstanceID:   instance,
		Model:        model,
		Step:         asInt(e.Data["step"]),
		InputTokens:  asInt(e.Data["tokens_in"]),
		OutputTokens: asInt(e.Data["tokens_out"]),
	}, true
}

// tsLayout is fixed width so stored timestamps compare as strings.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
