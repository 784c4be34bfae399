package pipeline

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FrameData represents a captured, decoded video frame
type FrameData struct {
	Image     image.Image // Decoded frame
	Seq       uint64      // Frame sequence number
	Timestamp time.Time   // Capture timestamp
	Width     int
	Height    int
}

// Point is a position in source-frame pixel coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistSq returns the squared Euclidean distance to q
func (p Point) DistSq(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// BBox represents a bounding box in pixel coordinates of the source frame
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Center returns the midpoint of the box
func (b BBox) Center() Point {
	return Point{
		X: float64(b.X1+b.X2) / 2,
		Y: float64(b.Y1+b.Y2) / 2,
	}
}

// Rect converts the box to an integer rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(float64(b.X1))), int(math.Round(float64(b.Y1))),
		int(math.Round(float64(b.X2))), int(math.Round(float64(b.Y2))),
	)
}

// CSV renders the box as comma-joined integers "x1,y1,x2,y2"
func (b BBox) CSV() string {
	r := b.Rect()
	return fmt.Sprintf("%d,%d,%d,%d", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}

// Detection represents one defect observation in a single frame
type Detection struct {
	Label      string  `json:"label"`      // Defect category (scratch, crack, ...)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`
}

// Center returns the midpoint of the detection's box
func (d Detection) Center() Point {
	return d.BBox.Center()
}

// DetectionResult is the detector output for one frame
type DetectionResult struct {
	Detections  []Detection
	Annotated   image.Image // Same dimensions as the input frame
	InferenceMs float32
}

// StreamFrame is an annotated, JPEG-encoded preview frame owned by the dispatcher once queued
type StreamFrame struct {
	Payload    []byte
	CapturedAt time.Time
}

// DefectEvent describes one newly confirmed, non-duplicate detection
type DefectEvent struct {
	ID         uuid.UUID
	DeviceID   string
	Label      string
	Confidence float32
	Timestamp  time.Time
	BBox       *BBox
}

// NewDefectEvent creates an event for a confirmed detection
func NewDefectEvent(deviceID string, d Detection, ts time.Time) DefectEvent {
	bbox := d.BBox
	return DefectEvent{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Label:      d.Label,
		Confidence: d.Confidence,
		Timestamp:  ts,
		BBox:       &bbox,
	}
}

// Command is an external control instruction for the main loop
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
)

// ParseCommand accepts bare ("pause") and namespaced ("dashboard:pause") command names
func ParseCommand(s string) (Command, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	switch c := Command(s); c {
	case CommandStart, CommandStop, CommandPause, CommandResume:
		return c, true
	}
	return "", false
}
