// Package stream serves the device's annotated preview locally as MJPEG.
package stream

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"defectcam/internal/logger"
)

const logTag = "Stream"

// Broadcaster fans preview JPEGs out to local MJPEG clients and keeps the
// latest one for snapshots
type Broadcaster struct {
	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	current []byte
	seq     uint64
	frameMu sync.RWMutex
}

// NewBroadcaster creates a broadcaster with no clients
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan []byte]bool),
	}
}

// Publish stores frame as the current preview and hands it to every client
// without blocking; slow clients skip frames
func (b *Broadcaster) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	b.frameMu.Lock()
	b.current = frame
	b.seq++
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
	b.clientsMu.RUnlock()
}

// Current returns the latest preview and its sequence number
func (b *Broadcaster) Current() ([]byte, uint64) {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.current, b.seq
}

// ClientCount returns the number of connected stream clients
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// ServeHTTP streams multipart/x-mixed-replace until the client goes away
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientCh := make(chan []byte, 5)
	b.clientsMu.Lock()
	b.clients[clientCh] = true
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, clientCh)
		b.clientsMu.Unlock()
		logger.Debug(logTag, "Client %s disconnected", r.RemoteAddr)
	}()
	logger.Debug(logTag, "Client %s connected", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-clientCh:
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the latest preview as a single JPEG
type SnapshotHandler struct {
	b *Broadcaster
}

// NewSnapshotHandler creates a snapshot handler over b
func NewSnapshotHandler(b *Broadcaster) *SnapshotHandler {
	return &SnapshotHandler{b: b}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, seq := h.b.Current()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.Write(frame)
}
