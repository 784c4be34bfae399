package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"defectcam/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is served on the device's local status port only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /ws/events[?label=...] into a live feed
type Handler struct {
	hub *Hub
}

// NewHandler creates a feed handler for hub
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(logTag, "Upgrade error: %v", err)
		return
	}

	label := r.URL.Query().Get("label")
	logger.Debug(logTag, "New connection from %s (label=%q)", r.RemoteAddr, label)

	h.hub.Register(conn, label)
	go h.readPump(conn)
}

// readPump detects client disconnection and keeps the connection alive
func (h *Handler) readPump(conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug(logTag, "Read error: %v", err)
			}
			return
		}
	}
}
