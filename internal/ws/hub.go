// Package ws pushes confirmed defect events to local websocket clients.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

const logTag = "Live"

// Hub tracks live feed connections and their optional label filters
type Hub struct {
	// clients maps conn -> label filter, empty means all labels
	clients map[*websocket.Conn]string
	mu      sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]string),
	}
}

// Register adds a connection interested in label ("" for every label)
func (h *Hub) Register(conn *websocket.Conn, label string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[conn] = label
	logger.Info(logTag, "Client registered (total: %d)", len(h.clients))
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		logger.Info(logTag, "Client unregistered (total: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnDefectEvent implements pipeline.DefectEventHandler. Writes carry a
// deadline, so call it from a bus channel consumer rather than inline.
func (h *Hub) OnDefectEvent(ev *pipeline.DefectEvent) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	for conn, label := range h.clients {
		if label == "" || label == ev.Label {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(NewEventMessage(ev))
	if err != nil {
		logger.Warn(logTag, "Failed to marshal event: %v", err)
		return
	}

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug(logTag, "Dropping client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

var _ pipeline.DefectEventHandler = (*Hub)(nil)
