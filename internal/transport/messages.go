package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"defectcam/internal/pipeline"
)

// Message type tags
const (
	TypeRegister  = "device_register"
	TypeFrame     = "frame"
	TypeDetection = "detection"
	TypePing      = "ping"
	TypeControl   = "control"
)

// Polling endpoints, relative to the backend base URL
const (
	PathRegister   = "/api/device/register"
	PathFrames     = "/api/device/frames"
	PathDetections = "/api/device/detections"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnknownCommand = errors.New("unknown control command")
)

// RegisterMessage announces the device identity
type RegisterMessage struct {
	Type     string `json:"type"` // "device_register"
	DeviceID string `json:"device_id"`
}

// FrameMessage carries one preview frame
type FrameMessage struct {
	Type      string    `json:"type"` // "frame"
	DeviceID  string    `json:"device_id"`
	Frame     string    `json:"frame"` // Base64 encoded JPEG frame
	Timestamp time.Time `json:"timestamp"`
}

// DetectionMessage carries one defect event
type DetectionMessage struct {
	Type       string  `json:"type"` // "detection"
	EventID    string  `json:"event_id,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	DefectType string  `json:"defect_type"`
	Confidence float32 `json:"confidence"`
	Timestamp  string  `json:"timestamp"` // ISO-8601
	BBox       []int   `json:"bbox,omitempty"`
}

// PingMessage is the application-level heartbeat
type PingMessage struct {
	Type string `json:"type"` // "ping"
}

// RegisterBody is the polling registration request body
type RegisterBody struct {
	DeviceID string `json:"device_id"`
}

// FrameBody is the polling frame request body
type FrameBody struct {
	Frame string `json:"frame"`
}

// DetectionsBody is the polling detection request body
type DetectionsBody struct {
	Detections []DetectionMessage `json:"detections"`
	Timestamp  string             `json:"timestamp"`
}

// controlMessage covers the inbound control shapes the backend uses:
// {"type":"pause"}, {"type":"dashboard:pause"}, {"type":"control","command":"pause"}
type controlMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Event   string `json:"event"`
}

// NewRegisterMessage creates a registration message
func NewRegisterMessage(deviceID string) *RegisterMessage {
	return &RegisterMessage{Type: TypeRegister, DeviceID: deviceID}
}

// NewFrameMessage creates a frame message from JPEG bytes
func NewFrameMessage(deviceID string, jpeg []byte, ts time.Time) *FrameMessage {
	return &FrameMessage{
		Type:      TypeFrame,
		DeviceID:  deviceID,
		Frame:     base64.StdEncoding.EncodeToString(jpeg),
		Timestamp: ts,
	}
}

// NewDetectionMessage converts a defect event to its wire form
func NewDetectionMessage(event pipeline.DefectEvent) *DetectionMessage {
	msg := &DetectionMessage{
		Type:       TypeDetection,
		DeviceID:   event.DeviceID,
		DefectType: event.Label,
		Confidence: event.Confidence,
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.ID != uuid.Nil {
		msg.EventID = event.ID.String()
	}
	if event.BBox != nil {
		r := event.BBox.Rect()
		msg.BBox = []int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
	}
	return msg
}

// Event converts the wire form back to a defect event
func (m *DetectionMessage) Event() (pipeline.DefectEvent, error) {
	if m.Type != TypeDetection {
		return pipeline.DefectEvent{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return pipeline.DefectEvent{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	event := pipeline.DefectEvent{
		DeviceID:   m.DeviceID,
		Label:      m.DefectType,
		Confidence: m.Confidence,
		Timestamp:  ts,
	}
	if len(m.BBox) == 4 {
		event.BBox = &pipeline.BBox{
			X1: float32(m.BBox[0]), Y1: float32(m.BBox[1]),
			X2: float32(m.BBox[2]), Y2: float32(m.BBox[3]),
		}
	}
	return event, nil
}

// EncodeEvent serializes a defect event as a tagged detection envelope
func EncodeEvent(event pipeline.DefectEvent) ([]byte, error) {
	return json.Marshal(NewDetectionMessage(event))
}

// DecodeEvent parses a tagged detection envelope
func DecodeEvent(data []byte) (pipeline.DefectEvent, error) {
	var msg DetectionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return pipeline.DefectEvent{}, fmt.Errorf("failed to decode detection: %w", err)
	}
	return msg.Event()
}

// DecodeControl extracts a command from an inbound message.
// Quoted bare strings ("pause") are accepted as well as objects.
func DecodeControl(data []byte) (pipeline.Command, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s, uerr := strconv.Unquote(strings.TrimSpace(string(data)))
		if uerr != nil {
			return "", fmt.Errorf("failed to decode control message: %w", err)
		}
		msg.Type = s
	}

	name := msg.Type
	switch {
	case msg.Type == TypeControl && msg.Command != "":
		name = msg.Command
	case msg.Event != "":
		name = msg.Event
	}

	cmd, ok := pipeline.ParseCommand(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}
