// Package ws implements the WebSocket adapter pushing engine events to
// connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is what clients send upstream. A connection with no
// subscriptions receives the full event firehose; the first subscribe
// narrows it to the named sessions.
type command struct {
	Action    string `json:"action"` // "subscribe" or "unsubscribe"
	SessionID string `json:"session_id"`
}

// client wraps a single WebSocket connection and its session filter.
type client struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]struct{}
}

// wants reports whether an event scoped to sessionID should reach this
// client. Engine-wide events carry an empty scope and always pass.
func (c *client) wants(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

func (c *client) apply(cmd command) {
	if cmd.SessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Action {
	case "subscribe":
		c.sessions[cmd.SessionID] = struct{}{}
	case "unsubscribe":
		delete(c.sessions, cmd.SessionID)
	}
}

// Hub manages all active WebSocket connections and routes engine events
// to the clients watching each session.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// HandleWS upgrades a request to WebSocket and tracks the connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{ws: ws, cancel: cancel, sessions: make(map[string]struct{})}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	// Read loop: session subscriptions arrive here, and a read error is
	// how disconnects are noticed. Unparseable frames are dropped. The
	// handler blocks for the connection's lifetime so the request context
	// stays live.
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("websocket command rejected", "error", err)
			continue
		}
		c.apply(cmd)
	}
}

// broadcast delivers an encoded message to every client whose filter
// matches the session scope.
func (h *Hub) broadcast(ctx context.Context, sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(sessionID) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		c.cancel()
		delete(h.clients, c)
		slog.Info("websocket disconnected")
	}
}
