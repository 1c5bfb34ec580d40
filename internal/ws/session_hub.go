package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"helmdect/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// EventMessage is a session event pushed to subscribers
type EventMessage struct {
	Type string `json:"type"` // "event"
	session.Event
}

// SnapshotMessage is sent once when a client connects
type SnapshotMessage struct {
	Type     string           `json:"type"` // "snapshot"
	Snapshot session.Snapshot `json:"snapshot"`
}

// client is one connection. Only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// SessionHub fans session events out to WebSocket clients
type SessionHub struct {
	// clients maps session_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewSessionHub creates a new session hub
func NewSessionHub(logger *zap.Logger) *SessionHub {
	return &SessionHub{
		clients: make(map[string]map[*client]bool),
		logger:  logger.Named("ws"),
	}
}

func (h *SessionHub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*client]bool)
	}
	h.clients[sessionID][c] = true
	h.logger.Debug("client registered", zap.String("session_id", sessionID), zap.Int("total", len(h.clients[sessionID])))
}

func (h *SessionHub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[sessionID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			c.close()
		}
		if len(conns) == 0 {
			delete(h.clients, sessionID)
		}
		h.logger.Debug("client unregistered", zap.String("session_id", sessionID))
	}
}

// HasClients returns true if any client is connected for a session
func (h *SessionHub) HasClients(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[sessionID]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients
func (h *SessionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast queues a message for every client of a session.
// Slow clients whose buffer is full miss the message.
func (h *SessionHub) Broadcast(sessionID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[sessionID] {
		select {
		case c.send <- message:
		default:
			h.logger.Debug("client too slow, dropping message", zap.String("session_id", sessionID))
		}
	}
}

// OnSessionEvent implements session.Handler
func (h *SessionHub) OnSessionEvent(ev session.Event) {
	if !h.HasClients(ev.SessionID) {
		return
	}

	data, err := json.Marshal(EventMessage{Type: "event", Event: ev})
	if err != nil {
		h.logger.Error("failed to marshal session event", zap.Error(err))
		return
	}
	h.Broadcast(ev.SessionID, data)

	if ev.Kind == session.EventClosed {
		h.CloseSession(ev.SessionID)
	}
}

// CloseSession disconnects every client of a session
func (h *SessionHub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients[sessionID] {
		c.close()
	}
	delete(h.clients, sessionID)
}

// Close disconnects all clients
func (h *SessionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conns := range h.clients {
		for c := range conns {
			c.close()
		}
		delete(h.clients, id)
	}
}
