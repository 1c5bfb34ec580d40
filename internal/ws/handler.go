package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"helmdect/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // Results carry base64 annotated images
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionLookup resolves open sessions
type SessionLookup interface {
	Get(id string) (session.Session, error)
}

// Handler handles WebSocket connections for live session events
type Handler struct {
	hub      *SessionHub
	sessions SessionLookup
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *SessionHub, sessions SessionLookup) *Handler {
	return &Handler{hub: hub, sessions: sessions}
}

// ServeHTTP handles upgrade requests on /ws/sessions/{id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
	h.ServeSession(w, r, strings.TrimSuffix(path, "/"))
}

// ServeSession upgrades the connection and streams events for sessionID
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		http.Error(w, `{"error": "session id required"}`, http.StatusBadRequest)
		return
	}

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	h.hub.logger.Debug("new connection", zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if data, err := json.Marshal(SnapshotMessage{Type: "snapshot", Snapshot: s.Snapshot()}); err == nil {
		c.send <- data
	}

	h.hub.register(sessionID, c)

	go h.writePump(c)
	go h.readPump(sessionID, c)
}

// writePump owns all writes to the connection, including pings
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and notices client disconnection
func (h *Handler) readPump(sessionID string, c *client) {
	defer h.hub.unregister(sessionID, c)

	c.conn.SetReadLimit(512) // Clients don't send anything meaningful
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("read error", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
	}
}
