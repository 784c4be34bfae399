package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"defectcam/internal/pipeline"
)

// HTTPSource fetches a JPEG snapshot from a URL on every Read
type HTTPSource struct {
	url        string
	httpClient *http.Client
	stats      counters
}

// NewHTTPSource creates a snapshot poller for url
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	s := &HTTPSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
	s.stats.stats.Source = url
	return s
}

func (s *HTTPSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return s.stats.frame(data)
}

func (s *HTTPSource) Stats() pipeline.CaptureStats {
	return s.stats.snapshot()
}

func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
