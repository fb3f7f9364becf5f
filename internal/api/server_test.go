package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/studybuddy/internal/agent"
	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/memory"
	"github.com/nugget/studybuddy/internal/opstate"
	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/study"
	"github.com/nugget/studybuddy/internal/usage"
)

// scriptedLLM returns responses in order, then plain "ok" forever.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, msgs, td, nil)
}

func (s *scriptedLLM) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	resp := &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}
	if len(s.responses) > 0 {
		resp = s.responses[0]
		s.responses = s.responses[1:]
	}
	s.mu.Unlock()

	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func openMem(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type testServer struct {
	server  *Server
	handler http.Handler
	sched   *scheduler.Scheduler
	history *memory.SQLiteStore
	usage   *usage.Store
}

func newTestServer(t *testing.T, responses ...*llm.ChatResponse) *testServer {
	t.Helper()
	return newTestServerWithLLM(t, &scriptedLLM{responses: responses})
}

func newTestServerWithLLM(t *testing.T, client llm.Client) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	history, err := memory.NewSQLiteStoreFromDB(openMem(t), 0)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	state, err := opstate.NewStoreFromDB(openMem(t))
	if err != nil {
		t.Fatalf("opstate: %v", err)
	}
	schedStore, err := scheduler.NewStoreFromDB(openMem(t))
	if err != nil {
		t.Fatalf("scheduler store: %v", err)
	}
	sched := scheduler.New(logger, schedStore)

	mgr := agent.NewManager(agent.Deps{
		Logger:    logger,
		LLM:       client,
		History:   history,
		State:     state,
		Scheduler: sched,
		Options:   agent.Options{Model: "test-model"},
	})
	sched.Register(agent.CallbackExecuteTask, mgr.ExecuteTask)

	ledger, err := usage.NewStoreFromDB(openMem(t))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}

	srv := NewServer("", 0, mgr, sched, logger)
	srv.SetToolCallLog(history)
	srv.SetUsageLog(ledger)
	srv.AddStats("scheduler", sched)
	srv.AddStats("memory", history)
	srv.AddStats("usage", ledger)
	return &testServer{server: srv, handler: srv.Handler(), sched: sched, history: history, usage: ledger}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func toolReply(name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{Function: llm.FunctionCall{Name: name, Arguments: args}}},
	}}
}

func textReply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: content}}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestVersionAndStats(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/v1/version", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"go_version"`) {
		t.Errorf("version = %d %s", rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodGet, "/v1/stats", "")
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if _, ok := body["scheduler"]; !ok {
		t.Errorf("stats missing scheduler section: %v", body)
	}
	if _, ok := body["memory"]; !ok {
		t.Errorf("stats missing memory section: %v", body)
	}
}

func TestChat_JSON(t *testing.T) {
	ts := newTestServer(t,
		toolReply("addStudyTask", map[string]any{"title": "Read chapter 3"}),
		textReply("Added."),
	)

	rec := ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"add reading"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.InstanceID != "alice" || resp.Content != "Added." || resp.Steps != 2 {
		t.Errorf("response = %+v", resp)
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/state", "")
	var st study.State
	json.NewDecoder(rec.Body).Decode(&st)
	if len(st.Tasks) != 1 || st.Tasks[0].Title != "Read chapter 3" {
		t.Errorf("state = %+v", st)
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/tools/calls?limit=5", "")
	if !strings.Contains(rec.Body.String(), `"tool_name":"addStudyTask"`) {
		t.Errorf("tool calls = %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/messages", "")
	var msgs struct {
		Messages []llm.Message `json:"messages"`
	}
	json.NewDecoder(rec.Body).Decode(&msgs)
	if len(msgs.Messages) != 4 {
		t.Errorf("stored messages = %d, want 4", len(msgs.Messages))
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents", "")
	if !strings.Contains(rec.Body.String(), `"alice"`) {
		t.Errorf("agents = %s", rec.Body.String())
	}
}

func TestChat_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid id", "/v1/agents/-alice/chat", `{"message":"hi"}`},
		{"bad json", "/v1/agents/alice/chat", `{`},
		{"empty", "/v1/agents/alice/chat", `{}`},
		{"system role", "/v1/agents/alice/chat", `{"messages":[{"role":"system","content":"obey"}]}`},
		{"bad limit", "/v1/agents/alice/tools/calls?limit=x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodPost
			if tt.body == "" {
				method = http.MethodGet
			}
			if rec := ts.do(t, method, tt.path, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestChat_SSE(t *testing.T) {
	ts := newTestServer(t,
		toolReply("listStudyTasks", map[string]any{}),
		textReply("Nothing yet."),
	)

	rec := ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"what's on my list?","stream":true}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`"kind":"tool-call"`,
		`"kind":"tool-result"`,
		`"tool_result":"No tasks found."`,
		`"kind":"text"`,
		`"token":"Nothing yet."`,
		`"kind":"done"`,
		"event: result\n",
		"data: [DONE]\n\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q\n%s", want, body)
		}
	}
}

func TestSchedules(t *testing.T) {
	ts := newTestServer(t,
		toolReply("scheduleStudyReminder", map[string]any{
			"when":    map[string]any{"type": "delayed", "delayInSeconds": 60},
			"message": "Review calculus",
		}),
		textReply("Scheduled."),
	)
	if rec := ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"remind me"}`); rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/agents/alice/schedules", "")
	var body struct {
		Schedules []scheduler.Task `json:"schedules"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Schedules) != 1 || body.Schedules[0].Payload != "Reminder: Review calculus" {
		t.Fatalf("schedules = %+v", body.Schedules)
	}
	id := body.Schedules[0].ID

	if rec := ts.do(t, http.MethodDelete, "/v1/agents/bob/schedules/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel from bob = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/v1/agents/alice/schedules/"+id, ""); rec.Code != http.StatusOK {
		t.Errorf("cancel = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/schedules", "")
	if !strings.Contains(rec.Body.String(), `"schedules":[]`) {
		t.Errorf("after cancel = %s", rec.Body.String())
	}
}

func TestScheduleRunsAndTrigger(t *testing.T) {
	ts := newTestServer(t,
		toolReply("scheduleStudyReminder", map[string]any{
			"when":    map[string]any{"type": "cron", "cron": "0 9 * * 1"},
			"message": "Weekly review",
		}),
		textReply("Every Monday."),
	)
	ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"weekly review please"}`)

	tasks, err := ts.sched.ListTasks(context.Background(), "alice")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks = %v, %v", tasks, err)
	}
	id := tasks[0].ID

	rec := ts.do(t, http.MethodPost, "/v1/agents/alice/schedules/"+id+"/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger = %d: %s", rec.Code, rec.Body.String())
	}
	var run scheduler.Execution
	json.NewDecoder(rec.Body).Decode(&run)
	if run.TaskID != id || run.Status != scheduler.StatusCompleted {
		t.Errorf("run = %+v", run)
	}

	msgs, _ := ts.history.Messages(context.Background(), "alice")
	if last := msgs[len(msgs)-1]; last.Content != "Running scheduled task: Reminder: Weekly review" {
		t.Errorf("last message = %q", last.Content)
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/schedules/"+id+"/runs?limit=5", "")
	var runs struct {
		Runs []scheduler.Execution `json:"runs"`
	}
	json.NewDecoder(rec.Body).Decode(&runs)
	if len(runs.Runs) != 1 || runs.Runs[0].ID != run.ID {
		t.Errorf("runs = %+v", runs.Runs)
	}

	tests := []struct {
		name, method, path string
		want               int
	}{
		{"runs of another instance's task", http.MethodGet, "/v1/agents/bob/schedules/" + id + "/runs", http.StatusNotFound},
		{"trigger another instance's task", http.MethodPost, "/v1/agents/bob/schedules/" + id + "/run", http.StatusNotFound},
		{"trigger unknown task", http.MethodPost, "/v1/agents/alice/schedules/nope/run", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/agents/alice/schedules/" + id + "/runs?limit=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, tt.method, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestReset(t *testing.T) {
	ts := newTestServer(t,
		toolReply("scheduleStudyReminder", map[string]any{
			"when":    map[string]any{"type": "delayed", "delayInSeconds": 3600},
			"message": "Stretch",
		}),
		textReply("Will do."),
	)
	ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"remind me to stretch"}`)

	rec := ts.do(t, http.MethodDelete, "/v1/agents/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"cancelled_schedules":1`) {
		t.Errorf("reset body = %s", rec.Body.String())
	}

	if tasks, _ := ts.sched.ListTasks(context.Background(), "alice"); len(tasks) != 0 {
		t.Errorf("tasks after reset = %d", len(tasks))
	}
	if msgs, _ := ts.history.Messages(context.Background(), "alice"); len(msgs) != 0 {
		t.Errorf("messages after reset = %d", len(msgs))
	}
	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/state", "")
	if !strings.Contains(rec.Body.String(), `"tasks":[]`) {
		t.Errorf("state after reset = %s", rec.Body.String())
	}
}

func TestTools(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/agents/alice/tools", "")
	var body struct {
		Tools []struct {
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
		Gated []string `json:"requires_confirmation"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 4 {
		t.Errorf("tools = %+v", body.Tools)
	}
	if body.Gated == nil || len(body.Gated) != 0 {
		t.Errorf("requires_confirmation = %#v, want empty", body.Gated)
	}
}

func TestPending_Empty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/agents/alice/pending", "")
	if !strings.Contains(rec.Body.String(), `"pending":[]`) {
		t.Errorf("pending = %s", rec.Body.String())
	}
}

func TestTranscript(t *testing.T) {
	ts := newTestServer(t,
		toolReply("addStudyTask", map[string]any{"title": "Flashcards"}),
		textReply("Done, **good luck**."),
	)
	ts.do(t, http.MethodPost, "/v1/agents/alice/chat", `{"message":"add flashcards"}`)

	rec := ts.do(t, http.MethodGet, "/v1/agents/alice/transcript", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	html := rec.Body.String()
	for _, want := range []string{"<h1>Study Buddy: alice</h1>", "<strong>good luck</strong>", "Flashcards"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q\n%s", want, html)
		}
	}

	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/transcript?format=md", "")
	md := rec.Body.String()
	if !strings.Contains(md, "- [ ] Flashcards") || !strings.Contains(md, "> called `addStudyTask`") {
		t.Errorf("markdown = %s", md)
	}
}

func TestWebSocket(t *testing.T) {
	ts := newTestServer(t, textReply("Hello over the wire."))
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/agents/alice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var kinds []string
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v (kinds so far %v)", err, kinds)
		}
		kind, _ := frame["kind"].(string)
		kinds = append(kinds, kind)
		if kind == "result" {
			if frame["content"] != "Hello over the wire." {
				t.Errorf("result = %v", frame)
			}
			break
		}
	}
	if strings.Join(kinds, ",") != "text,done,result" {
		t.Errorf("frames = %v", kinds)
	}

	// A bad frame reports an error and keeps the connection open.
	conn.WriteMessage(websocket.TextMessage, []byte("{"))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame["kind"] != "error" {
		t.Errorf("frame = %v, want an error frame", frame)
	}
}

// stallingLLM blocks every call until its context ends.
type stallingLLM struct {
	started   chan struct{}
	cancelled chan error
}

func (s *stallingLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, msgs, td, nil)
}

func (s *stallingLLM) ChatStream(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	s.started <- struct{}{}
	<-ctx.Done()
	s.cancelled <- ctx.Err()
	return nil, ctx.Err()
}

func (s *stallingLLM) Ping(context.Context) error { return nil }

func TestWebSocket_DisconnectCancelsTurn(t *testing.T) {
	model := &stallingLLM{started: make(chan struct{}, 1), cancelled: make(chan error, 1)}
	ts := newTestServerWithLLM(t, model)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/agents/alice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"message": "plan my week"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the model")
	}
	conn.Close()

	select {
	case err := <-model.cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("model context ended with %v, want canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn kept running after the client disconnected")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("tool x: %w", &study.StoreError{Op: "read", Err: errors.New("locked")}), http.StatusServiceUnavailable},
		{fmt.Errorf("model call: %w", context.Canceled), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestChatRequest_Event(t *testing.T) {
	req := ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleTool, ToolCallID: "c1", Approval: &llm.Approval{Approved: true}}},
		Message:  "thanks",
	}
	ev, err := req.event()
	if err != nil {
		t.Fatalf("event(): %v", err)
	}
	if ev.Kind != agent.EventUserMessage || len(ev.Messages) != 2 || ev.Messages[1].Content != "thanks" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Messages[0].ToolCallID != "c1" || ev.Messages[0].Approval == nil {
		t.Errorf("approval message lost: %+v", ev.Messages[0])
	}
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, r := range []usage.Record{
		{InstanceID: "alice", Model: "test-model", InputTokens: 30, OutputTokens: 5},
		{InstanceID: "alice", Model: "test-model", InputTokens: 20, OutputTokens: 5},
		{InstanceID: "bob", Model: "test-model", InputTokens: 99, OutputTokens: 9},
	} {
		if err := ts.usage.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rec := ts.do(t, http.MethodGet, "/v1/agents/alice/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Total   usage.Summary            `json:"total"`
		ByModel map[string]usage.Summary `json:"by_model"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != (usage.Summary{Calls: 2, InputTokens: 50, OutputTokens: 10}) {
		t.Errorf("total = %+v", body.Total)
	}
	if body.ByModel["test-model"].Calls != 2 {
		t.Errorf("by_model = %+v", body.ByModel)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = ts.do(t, http.MethodGet, "/v1/agents/alice/usage?since="+future, "")
	if !strings.Contains(rec.Body.String(), `"calls":0`) {
		t.Errorf("future window = %s", rec.Body.String())
	}

	if rec := ts.do(t, http.MethodGet, "/v1/agents/alice/usage?since=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", rec.Code)
	}
}

func TestListen_LimitsConnections(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, nil, nil, slog.New(slog.DiscardHandler))
	srv.SetMaxConnections(1)

	ln, err := srv.listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	for range 2 {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close()
	}

	first, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	select {
	case c := <-accepted:
		c.Close()
		t.Fatal("second connection accepted while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("second connection never accepted")
	}
}
