// Package capture provides FrameSource implementations backed by ffmpeg,
// HTTP snapshot endpoints and directories of JPEG files.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"defectcam/internal/config"
	"defectcam/internal/pipeline"
)

const logTag = "Capture"

// ErrSourceClosed is returned by Read once the source has ended or was closed
var ErrSourceClosed = errors.New("frame source closed")

// Open creates the frame source described by cfg
func Open(cfg config.CameraConfig) (pipeline.FrameSource, error) {
	switch cfg.Kind {
	case "", "ffmpeg":
		return NewFFmpegSource(cfg.Source, cfg.FPS, cfg.Width, cfg.Height)
	case "http":
		return NewHTTPSource(cfg.Source, 10*time.Second), nil
	case "dir":
		return NewDirSource(cfg.Source)
	default:
		return nil, fmt.Errorf("unknown camera kind %q", cfg.Kind)
	}
}

// counters tracks capture statistics shared by every source
type counters struct {
	mu    sync.Mutex
	stats pipeline.CaptureStats
	seq   uint64
}

// frame decodes data and stamps it with the next sequence number
func (c *counters) frame(data []byte) (*pipeline.FrameData, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now.Unix()
	c.mu.Unlock()

	b := img.Bounds()
	return &pipeline.FrameData{
		Image:     img,
		Seq:       seq,
		Timestamp: now,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}, nil
}

func (c *counters) dropped() {
	c.mu.Lock()
	c.stats.FramesDropped++
	c.mu.Unlock()
}

func (c *counters) snapshot() pipeline.CaptureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
