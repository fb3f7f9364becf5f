package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/studybuddy/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStoreFromDB(db)
	if err != nil {
		t.Fatalf("NewStoreFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	recs := []Record{
		{Timestamp: now, InstanceID: "alice", Model: "qwen3:4b", Step: 1, InputTokens: 100, OutputTokens: 20},
		{Timestamp: now.Add(time.Minute), InstanceID: "alice", Model: "qwen3:4b", Step: 2, InputTokens: 150, OutputTokens: 30},
		{Timestamp: now.Add(2 * time.Minute), InstanceID: "bob", Model: "llama3.2", Step: 1, InputTokens: 80, OutputTokens: 10},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	tests := []struct {
		instance string
		want     Summary
	}{
		{"alice", Summary{Calls: 2, InputTokens: 250, OutputTokens: 50}},
		{"bob", Summary{Calls: 1, InputTokens: 80, OutputTokens: 10}},
		{"", Summary{Calls: 3, InputTokens: 330, OutputTokens: 60}},
		{"carol", Summary{}},
	}
	for _, tt := range tests {
		got, err := s.Summary(ctx, tt.instance, start, end)
		if err != nil {
			t.Fatalf("Summary(%q): %v", tt.instance, err)
		}
		if got != tt.want {
			t.Errorf("Summary(%q) = %+v, want %+v", tt.instance, got, tt.want)
		}
	}
}

func TestSummary_WindowIsHalfOpen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	if err := s.Record(ctx, Record{Timestamp: at, InstanceID: "alice", Model: "m", InputTokens: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// A later sub-second record sorts after the whole-second bound.
	if err := s.Record(ctx, Record{Timestamp: at.Add(500 * time.Millisecond), InstanceID: "alice", Model: "m", InputTokens: 2}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Summary(ctx, "alice", at, at.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.Calls != 1 || got.InputTokens != 1 {
		t.Errorf("Summary = %+v, want only the record at the start bound", got)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, r := range []Record{
		{InstanceID: "alice", Model: "qwen3:4b", InputTokens: 10, OutputTokens: 1},
		{InstanceID: "alice", Model: "qwen3:4b", InputTokens: 20, OutputTokens: 2},
		{InstanceID: "alice", Model: "llama3.2", InputTokens: 5, OutputTokens: 5},
		{InstanceID: "bob", Model: "llama3.2", InputTokens: 99, OutputTokens: 99},
	} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.SummaryByModel(ctx, "alice", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if q := got["qwen3:4b"]; q != (Summary{Calls: 2, InputTokens: 30, OutputTokens: 3}) {
		t.Errorf("qwen3:4b = %+v", q)
	}
	if l := got["llama3.2"]; l.InputTokens != 5 {
		t.Errorf("llama3.2 = %+v, bob's usage leaked in", l)
	}
}

func TestSummaryByModel_Empty(t *testing.T) {
	s := testStore(t)
	got, err := s.SummaryByModel(context.Background(), "", time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %+v, want empty", got)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Record(ctx, Record{Timestamp: now.Add(-2 * time.Hour), InstanceID: "alice", Model: "m", InputTokens: 7, OutputTokens: 3})
	s.Record(ctx, Record{Timestamp: now.Add(-48 * time.Hour), InstanceID: "alice", Model: "m", InputTokens: 1000})

	stats := s.Stats(ctx)
	if stats["calls_24h"] != 1 || stats["input_tokens_24h"] != int64(7) || stats["output_tokens_24h"] != int64(3) {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestRecordFromEvent(t *testing.T) {
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		e    events.Event
		ok   bool
		want Record
	}{
		{
			name: "llm response",
			e: events.Event{Timestamp: ts, Source: events.SourceAgent, Kind: events.KindLLMResponse, Data: map[string]any{
				"instance": "alice", "step": 2, "model": "qwen3:4b", "tokens_in": 120, "tokens_out": float64(30),
			}},
			ok:   true,
			want: Record{Timestamp: ts, InstanceID: "alice", Model: "qwen3:4b", Step: 2, InputTokens: 120, OutputTokens: 30},
		},
		{
			name: "other kind",
			e:    events.Event{Source: events.SourceAgent, Kind: events.KindTurnStart, Data: map[string]any{"instance": "alice"}},
		},
		{
			name: "missing instance",
			e:    events.Event{Source: events.SourceAgent, Kind: events.KindLLMResponse, Data: map[string]any{"model": "m"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := recordFromEvent(tt.e)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("record = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRun_RecordsFromBus(t *testing.T) {
	s := testStore(t)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, bus, func(err error) { t.Errorf("record: %v", err) })
		close(done)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{"instance": "alice", "step": 1})
	bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"instance": "alice", "step": 1, "model": "qwen3:4b", "tokens_in": 40, "tokens_out": 8,
	})

	var sum Summary
	for time.Now().Before(deadline) {
		var err error
		sum, err = s.Summary(context.Background(), "alice", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if sum.Calls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sum != (Summary{Calls: 1, InputTokens: 40, OutputTokens: 8}) {
		t.Errorf("Summary = %+v", sum)
	}

	cancel()
	<-done
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/dir/usage.db")
	if err == nil {
		t.Fatal("expected error for an unwritable path")
	}
}
