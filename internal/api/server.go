// Package api implements the Study Buddy HTTP API: per-agent chat over
// JSON, Server-Sent Events and WebSocket, plus inspection endpoints for
// each agent's history, study state and schedules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nugget/studybuddy/internal/agent"
	"github.com/nugget/studybuddy/internal/buildinfo"
	"github.com/nugget/studybuddy/internal/confirm"
	"github.com/nugget/studybuddy/internal/events"
	"github.com/nugget/studybuddy/internal/llm"
	"github.com/nugget/studybuddy/internal/memory"
	"github.com/nugget/studybuddy/internal/scheduler"
	"github.com/nugget/studybuddy/internal/study"
	"github.com/nugget/studybuddy/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Schedules is the scheduler surface the API exposes.
type Schedules interface {
	ListTasks(ctx context.Context, instanceID string) ([]*scheduler.Task, error)
	CancelTask(ctx context.Context, instanceID, taskID string) error
	Executions(ctx context.Context, instanceID, taskID string, limit int) ([]*scheduler.Execution, error)
	TriggerTask(ctx context.Context, instanceID, taskID string) (*scheduler.Execution, error)
}

// ToolCallLog lists recorded tool executions.
type ToolCallLog interface {
	ToolCalls(ctx context.Context, conversationID string, limit int) ([]memory.ToolCall, error)
}

// UsageLog aggregates recorded model token usage.
type UsageLog interface {
	Summary(ctx context.Context, instanceID string, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, instanceID string, start, end time.Time) (map[string]usage.Summary, error)
}

// StatsSource contributes a section to GET /v1/stats.
type StatsSource interface {
	Stats(ctx context.Context) map[string]any
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	agents    *agent.Manager
	schedules Schedules
	toolLog   ToolCallLog
	usageLog  UsageLog
	maxConns  int
	stats     map[string]StatsSource
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, agents *agent.Manager, schedules Schedules, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		agents:    agents,
		schedules: schedules,
		stats:     make(map[string]StatsSource),
		logger:    logger,
	}
}

// SetToolCallLog enables GET /v1/agents/{id}/tools/calls.
func (s *Server) SetToolCallLog(l ToolCallLog) {
	s.toolLog = l
}

// SetUsageLog enables GET /v1/agents/{id}/usage.
func (s *Server) SetUsageLog(l UsageLog) {
	s.usageLog = l
}

// AddStats registers a named section for GET /v1/stats.
func (s *Server) AddStats(name string, src StatsSource) {
	s.stats[name] = src
}

// SetEventBus publishes request events to bus.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Chat
	mux.HandleFunc("POST /v1/agents/{id}/chat", s.handleChat)
	mux.HandleFunc("GET /v1/agents/{id}/ws", s.handleWebSocket)

	// Inspection
	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleReset)
	mux.HandleFunc("GET /v1/agents/{id}/tools", s.handleTools)
	mux.HandleFunc("GET /v1/agents/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/agents/{id}/state", s.handleState)
	mux.HandleFunc("GET /v1/agents/{id}/pending", s.handlePending)
	mux.HandleFunc("GET /v1/agents/{id}/schedules", s.handleSchedules)
	mux.HandleFunc("DELETE /v1/agents/{id}/schedules/{taskID}", s.handleScheduleCancel)
	mux.HandleFunc("GET /v1/agents/{id}/schedules/{taskID}/runs", s.handleScheduleRuns)
	mux.HandleFunc("POST /v1/agents/{id}/schedules/{taskID}/run", s.handleScheduleTrigger)
	mux.HandleFunc("GET /v1/agents/{id}/tools/calls", s.handleToolCalls)
	mux.HandleFunc("GET /v1/agents/{id}/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/agents/{id}/transcript", s.handleTranscript)

	return s.withLogging(mux)
}

// SetMaxConnections caps concurrently open client connections. Zero
// leaves them unbounded.
func (s *Server) SetMaxConnections(n int) {
	s.maxConns = n
}

// listen opens the server's TCP listener, limited to maxConns open
// connections when set.
func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.address, strconv.Itoa(s.port)))
	if err != nil {
		return nil, err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return ln, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("starting API server", "address", ln.Addr().String(), "max_connections", s.maxConns)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"agents": len(s.agents.IDs())}
	for name, src := range s.stats {
		out[name] = src.Stats(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// ChatRequest is the body of POST /v1/agents/{id}/chat and of each
// inbound WebSocket frame. Message is shorthand for one user message
// appended after Messages. Decisions on gated tool calls arrive as
// tool-role entries in Messages carrying an approval.
type ChatRequest struct {
	Messages []llm.Message `json:"messages,omitempty"`
	Message  string        `json:"message,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

// event converts the request into an orchestrator trigger.
func (r ChatRequest) event() (agent.Event, error) {
	msgs := r.Messages
	if r.Message != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: r.Message})
	}
	if len(msgs) == 0 {
		return agent.Event{}, errors.New("message or messages is required")
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return agent.Event{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return agent.Event{Kind: agent.EventUserMessage, Messages: msgs}, nil
}

// ChatResponse is the outcome of one turn. On streams it is the final
// frame, with Kind set to "result".
type ChatResponse struct {
	Kind       string                `json:"kind,omitempty"`
	InstanceID string                `json:"instance_id"`
	Content    string                `json:"content"`
	Steps      int                   `json:"steps"`
	Messages   []llm.Message         `json:"messages"`
	Pending    []confirm.PendingCall `json:"pending,omitempty"`
}

func newChatResponse(id string, res *agent.Result) ChatResponse {
	out := ChatResponse{InstanceID: id, Messages: []llm.Message{}}
	if res != nil {
		out.Content = res.Content
		out.Steps = res.Steps
		out.Pending = res.Pending
		if res.Messages != nil {
			out.Messages = res.Messages
		}
	}
	return out
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ev, err := req.event()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	transport := "http"
	if req.Stream {
		transport = "sse"
	}
	s.bus.Emit(events.SourceAPI, events.KindChatRequest, map[string]any{"instance": inst.ID(), "transport": transport})

	if req.Stream {
		s.handleStreamingChat(w, r, inst, ev)
		return
	}

	res, err := inst.Handle(r.Context(), ev, nil)
	if err != nil {
		s.logger.Error("chat turn failed", "instance", inst.ID(), "error", err)
		s.errorResponse(w, statusForError(err), "agent error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newChatResponse(inst.ID(), res), s.logger)
}

func (s *Server) handleStreamingChat(w http.ResponseWriter, r *http.Request, inst *agent.Instance, ev agent.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)

	emit := func(e llm.StreamEvent) {
		s.writeSSE(w, "", e)
		if e.Kind == llm.KindToolCallStart {
			// Keepalive while the tool runs.
			fmt.Fprintf(w, ": keepalive\n\n")
		}
		flusher.Flush()

		// Reset the write deadline after every event so long
		// multi-step turns do not time out.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := inst.Handle(r.Context(), ev, emit)
	if err != nil {
		s.logger.Error("chat turn failed", "instance", inst.ID(), "error", err)
		// Can't change status code after streaming started.
		s.writeSSE(w, "error", map[string]string{"kind": "error", "error": err.Error()})
		flusher.Flush()
		return
	}

	final := newChatResponse(inst.ID(), res)
	final.Kind = "result"
	s.writeSSE(w, "result", final)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE frame", "error", err)
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE frame", "error", err)
	}
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.agents.Known(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"agents": ids}, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	msgs, err := inst.Messages(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instance_id": inst.ID(), "messages": msgs}, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	st, err := inst.State(r.Context())
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	pending, err := inst.Pending(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []confirm.PendingCall{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instance_id": inst.ID(), "pending": pending}, s.logger)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	tasks, err := s.schedules.ListTasks(r.Context(), inst.ID())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instance_id": inst.ID(), "schedules": tasks}, s.logger)
}

func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("taskID")
	if err := s.schedules.CancelTask(r.Context(), inst.ID(), taskID); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			s.errorResponse(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cancelled", "id": taskID}, s.logger)
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	limit, ok := s.limitParam(w, r, 20)
	if !ok {
		return
	}
	taskID := r.PathValue("taskID")
	runs, err := s.schedules.Executions(r.Context(), inst.ID(), taskID, limit)
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	if runs == nil {
		runs = []*scheduler.Execution{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instance_id": inst.ID(), "task_id": taskID, "runs": runs}, s.logger)
}

// handleScheduleTrigger fires a schedule immediately. A callback failure
// is reported in the returned run, not as an HTTP error.
func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	run, err := s.schedules.TriggerTask(r.Context(), inst.ID(), r.PathValue("taskID"))
	if run == nil {
		if err == nil {
			err = errors.New("no execution recorded")
		}
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("manually triggered schedule failed", "instance", inst.ID(), "task", run.TaskID, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, run, s.logger)
}

// handleReset forgets a conversation: its schedules, history and study
// state.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	tasks, err := s.schedules.ListTasks(ctx, inst.ID())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, t := range tasks {
		if err := s.schedules.CancelTask(ctx, inst.ID(), t.ID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := inst.Reset(ctx); err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "reset", "id": inst.ID(), "cancelled_schedules": len(tasks)}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	gated := inst.Registry().Gated()
	if gated == nil {
		gated = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"instance_id":           inst.ID(),
		"tools":                 inst.Registry().List(),
		"requires_confirmation": gated,
	}, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if s.toolLog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tool call log not configured")
		return
	}

	limit, ok := s.limitParam(w, r, 50)
	if !ok {
		return
	}

	calls, err := s.toolLog.ToolCalls(r.Context(), inst.ID(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []memory.ToolCall{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"instance_id": inst.ID(), "calls": calls}, s.logger)
}

// instance resolves the {id} path value, writing a 400 when it is not a
// usable identity.
func (s *Server) instance(w http.ResponseWriter, r *http.Request) (*agent.Instance, bool) {
	inst, err := s.agents.Instance(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return inst, true
}

// limitParam reads the optional ?limit= query value, writing a 400 when
// it is not a positive integer.
func (s *Server) limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

// statusForError maps turn failures to HTTP status codes.
func statusForError(err error) int {
	var storeErr *study.StoreError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleUsage reports token usage for one agent. The window defaults to
// the last 30 days; ?since= accepts an RFC 3339 timestamp.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}
	if s.usageLog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage log not configured")
		return
	}

	end := time.Now()
	start := end.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		start = t
	}

	total, err := s.usageLog.Summary(r.Context(), inst.ID(), start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := s.usageLog.SummaryByModel(r.Context(), inst.ID(), start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"instance_id": inst.ID(),
		"since":       start.UTC(),
		"until":       end.UTC(),
		"total":       total,
		"by_model":    byModel,
	}, s.logger)
}
