package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

// DirSource replays the JPEG files of a directory in name order, looping forever
type DirSource struct {
	dir   string
	files []string
	stats counters

	mu     sync.Mutex
	next   int
	closed bool
}

// NewDirSource lists the .jpg/.jpeg files in dir
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg files in %s", dir)
	}
	sort.Strings(files)

	s := &DirSource{dir: dir, files: files}
	s.stats.stats.Source = dir
	logger.Info(logTag, "Replaying %d frames from %s", len(files), dir)
	return s, nil
}

func (s *DirSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s.stats.frame(data)
}

func (s *DirSource) Stats() pipeline.CaptureStats {
	return s.stats.snapshot()
}

func (s *DirSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
