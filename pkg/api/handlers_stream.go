package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/chatbridge/pkg/bus"
)

// StreamEvent is the unified event format for the lifecycle stream.
type StreamEvent struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func streamEventFromMessage(msg *bus.Message) StreamEvent {
	event := StreamEvent{
		Type:      msg.Subject,
		Timestamp: time.Now(),
	}
	var payload map[string]any
	if json.Unmarshal(msg.Data, &payload) == nil {
		event.Data = payload
		if id, ok := payload["ask_id"].(string); ok {
			event.ID = id
		} else if id, ok := payload["credential_id"].(string); ok {
			event.ID = id
		}
	}
	return event
}

// handleStream provides an SSE tap of the lifecycle bus. Clients can narrow
// it with ?filter=chatbridge.ask.* style subject patterns.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	events := make(chan StreamEvent, 128)

	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = bus.SubjectAll
	}

	sub, err := s.eventBus.Subscribe(ctx, filter, func(msg *bus.Message) {
		select {
		case events <- streamEventFromMessage(msg):
		default:
			// Drop if the client cannot keep up.
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe: "+err.Error())
		return
	}
	defer sub.Unsubscribe()

	connect := StreamEvent{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      map[string]any{"filter": filter},
	}
	data, _ := json.Marshal(connect)
	w.Write([]byte("data: " + string(data) + "\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			heartbeat := StreamEvent{Type: "heartbeat", Timestamp: time.Now()}
			data, _ := json.Marshal(heartbeat)
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event := <-events:
			data, _ := json.Marshal(event)
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WebSocketMessage represents a message received from WebSocket clients.
type WebSocketMessage struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleWebSocket provides the lifecycle stream over a WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to upgrade to WebSocket: "+err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = bus.SubjectAll
	}

	events := make(chan StreamEvent, 128)
	sub, err := s.eventBus.Subscribe(ctx, filter, func(msg *bus.Message) {
		select {
		case events <- streamEventFromMessage(msg):
		default:
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Unsubscribe()

	connect := StreamEvent{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      map[string]any{"filter": filter, "protocol": "websocket"},
	}
	if err := wsjson.Write(ctx, conn, connect); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// Read side only serves pings; anything unreadable ends the connection.
	go func() {
		for {
			var msg WebSocketMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				cancel()
				return
			}
			if msg.Type == "ping" {
				wsjson.Write(ctx, conn, StreamEvent{Type: "pong", Timestamp: time.Now()})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, StreamEvent{Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return
			}
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
