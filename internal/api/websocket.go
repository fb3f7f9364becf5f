package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/studybuddy/internal/events"
	"github.com/nugget/studybuddy/internal/llm"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsError is sent when an inbound frame cannot be processed. The
// connection stays open.
type wsError struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// handleWebSocket runs one chat turn per inbound JSON frame. Each
// frame is a [ChatRequest]; the Stream field is ignored because every
// turn streams. Outbound frames are [llm.StreamEvent] values followed
// by a final [ChatResponse] with kind "result".
//
// Frames are read by a separate goroutine and handled in order. When
// the client goes away, or a write to it fails, the turn in progress is
// cancelled.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instance(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	log := s.logger.With("instance", inst.ID(), "remote", r.RemoteAddr)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	write := func(v any) {
		if ctx.Err() != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			log.Debug("websocket write failed", "error", err)
			cancel()
		}
	}

	frames := make(chan []byte, 8)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("websocket read failed", "error", err)
				} else {
					log.Info("websocket closed")
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for data := range frames {
		if ctx.Err() != nil {
			return
		}

		var req ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			write(wsError{Kind: "error", Error: "invalid request frame"})
			continue
		}
		ev, err := req.event()
		if err != nil {
			write(wsError{Kind: "error", Error: err.Error()})
			continue
		}

		s.bus.Emit(events.SourceAPI, events.KindChatRequest, map[string]any{"instance": inst.ID(), "transport": "websocket"})

		res, err := inst.Handle(ctx, ev, func(e llm.StreamEvent) { write(e) })
		if err != nil {
			if ctx.Err() != nil {
				log.Info("websocket turn cancelled", "error", err)
				return
			}
			log.Error("chat turn failed", "error", err)
			write(wsError{Kind: "error", Error: err.Error()})
			continue
		}

		final := newChatResponse(inst.ID(), res)
		final.Kind = "result"
		write(final)
	}
}
