package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

const logTag = "Detector"

// YOLODetector calls the defect inference server over HTTP
type YOLODetector struct {
	endpoint    string
	client      *http.Client
	jpegQuality int
	annotate    bool

	mu          sync.RWMutex
	healthCheck time.Time // Last successful health check
	model       string
}

// YOLOBox is one detection as returned by /infer, normalized to 0..1 with (x, y) the top-left corner
type YOLOBox struct {
	X      float32  `json:"x"`
	Y      float32  `json:"y"`
	Width  float32  `json:"width"`
	Height float32  `json:"height"`
	Score  *float32 `json:"score"`
	Label  string   `json:"label"`
}

// YOLOResult represents the /infer response
type YOLOResult struct {
	Boxes []YOLOBox `json:"boxes"`
	Error string    `json:"error,omitempty"`
}

// YOLOHealthResponse represents the /health response
type YOLOHealthResponse struct {
	OK    bool   `json:"ok"`
	Model string `json:"model"`
}

// YOLOConfig holds configuration for the detector
type YOLOConfig struct {
	Endpoint    string
	Timeout     time.Duration
	JPEGQuality int
	DrawBoxes   bool
}

// NewYOLODetector creates a client for the inference server at cfg.Endpoint
func NewYOLODetector(cfg YOLOConfig) *YOLODetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return &YOLODetector{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		client:      &http.Client{Timeout: cfg.Timeout},
		jpegQuality: cfg.JPEGQuality,
		annotate:    cfg.DrawBoxes,
	}
}

func (yd *YOLODetector) Name() string { return "yolo-http" }

// Health queries /health and fails unless the server reports ok
func (yd *YOLODetector) Health(ctx context.Context) (*YOLOHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check inference health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	if !health.OK {
		return nil, fmt.Errorf("inference server not ready (model %q)", health.Model)
	}

	yd.mu.Lock()
	yd.healthCheck = time.Now()
	yd.model = health.Model
	yd.mu.Unlock()

	logger.Info(logTag, "Inference server healthy at %s (model %s)", yd.endpoint, health.Model)
	return &health, nil
}

// Model returns the model name reported by the last health check
func (yd *YOLODetector) Model() string {
	yd.mu.RLock()
	defer yd.mu.RUnlock()
	return yd.model
}

// Detect sends the frame to /infer and converts the boxes to pixel coordinates
func (yd *YOLODetector) Detect(ctx context.Context, frame *pipeline.FrameData) (*pipeline.DetectionResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: yd.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/infer", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("inference error: %s", result.Error)
	}

	bounds := frame.Image.Bounds()
	out := &pipeline.DetectionResult{
		Detections:  toDetections(result.Boxes, bounds),
		InferenceMs: float32(time.Since(start).Microseconds()) / 1000,
	}
	if yd.annotate {
		out.Annotated = Annotate(frame.Image, out.Detections)
	} else {
		out.Annotated = frame.Image
	}
	return out, nil
}

func toDetections(boxes []YOLOBox, bounds image.Rectangle) []pipeline.Detection {
	w := float32(bounds.Dx())
	h := float32(bounds.Dy())
	ox := float32(bounds.Min.X)
	oy := float32(bounds.Min.Y)

	dets := make([]pipeline.Detection, 0, len(boxes))
	for _, b := range boxes {
		// A box without a score cannot pass any confidence filter
		var score float32
		if b.Score != nil {
			score = *b.Score
		}
		dets = append(dets, pipeline.Detection{
			Label:      b.Label,
			Confidence: score,
			BBox: pipeline.BBox{
				X1: ox + b.X*w,
				Y1: oy + b.Y*h,
				X2: ox + (b.X+b.Width)*w,
				Y2: oy + (b.Y+b.Height)*h,
			},
		})
	}
	return dets
}

var _ pipeline.Detector = (*YOLODetector)(nil)
