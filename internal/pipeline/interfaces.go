package pipeline

import (
	"context"
)

// FrameSource produces raw frames on demand
type FrameSource interface {
	// Read returns the next frame. It blocks until a frame is available or ctx is done.
	Read(ctx context.Context) (*FrameData, error)

	// Stats returns capture statistics
	Stats() CaptureStats

	// Close releases the camera
	Close() error
}

// Detector is the opaque inference backend
type Detector interface {
	// Name returns the detector identifier
	Name() string

	// Detect returns the detections for a frame and an annotated copy of it.
	// An empty detection list is a valid result.
	Detect(ctx context.Context, frame *FrameData) (*DetectionResult, error)
}

// DefectEventHandler receives defect events drained from an EventBus channel
type DefectEventHandler interface {
	OnDefectEvent(event *DefectEvent)
}

// CaptureStats contains frame capture statistics
type CaptureStats struct {
	Source         string `json:"source"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"` // Frames replaced before anyone read them
	LastFrameTime  int64  `json:"last_frame_time"`
}
