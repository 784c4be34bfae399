package ws

import (
	"time"

	"defectcam/internal/pipeline"
)

// EventMessage is one confirmed defect pushed to local live clients
type EventMessage struct {
	Type       string    `json:"type"` // "defect"
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox,omitempty"` // [x, y, w, h] in pixels
	Timestamp  time.Time `json:"timestamp"`
}

// NewEventMessage converts a defect event for the live feed
func NewEventMessage(ev *pipeline.DefectEvent) *EventMessage {
	msg := &EventMessage{
		Type:       "defect",
		EventID:    ev.ID.String(),
		DeviceID:   ev.DeviceID,
		Label:      ev.Label,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp.UTC(),
	}
	if b := ev.BBox; b != nil {
		msg.BBox = []float32{b.X1, b.Y1, b.X2 - b.X1, b.Y2 - b.Y1}
	}
	return msg
}
