package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"defectcam/internal/transport"
	"defectcam/internal/upload"
)

func TestObserversFeedCounters(t *testing.T) {
	m := New()

	m.FrameEnqueued(true)
	m.FrameEnqueued(false)
	m.EventSent(errors.New("down"))
	m.UploadSubmitted(nil)
	m.UploadSubmitted(fmt.Errorf("submit: %w", upload.ErrRateLimited))
	m.UploadSubmitted(upload.ErrBacklogFull)
	m.UploadFinished(nil)
	m.ModeChanged(transport.ModePersistent, transport.ModePolling)

	checks := map[string]uint64{
		"frames enqueued":  m.FramesEnqueued.Load(),
		"frames dropped":   m.FramesDropped.Load(),
		"event errors":     m.EventSendErrors.Load(),
		"uploads accepted": m.UploadsAccepted.Load(),
		"rate rejections":  m.UploadsRejectedRate.Load(),
		"backlog rejects":  m.UploadsRejectedBacklog.Load(),
		"uploads ok":       m.UploadsSucceeded.Load(),
		"mode changes":     m.ModeChanges.Load(),
	}
	for name, v := range checks {
		if v != 1 {
			t.Errorf("%s = %d, want 1", name, v)
		}
	}
	if m.TransportMode.Load() != int32(transport.ModePolling) {
		t.Errorf("transport mode = %d", m.TransportMode.Load())
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Duplicates.Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"defectcam_duplicates_total 3", "defectcam_transport_mode 0"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
