package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"defectcam/internal/transport"
	"defectcam/internal/upload"
)

// Metrics holds all device metrics
type Metrics struct {
	// Hot loop
	FramesCaptured  atomic.Uint64
	CaptureErrors   atomic.Uint64
	FramesInferred  atomic.Uint64
	InferenceErrors atomic.Uint64
	Detections      atomic.Uint64
	Duplicates      atomic.Uint64
	EventsConfirmed atomic.Uint64

	// Dispatcher
	FramesEnqueued  atomic.Uint64
	FramesDropped   atomic.Uint64 // Frame queue full
	FramesSent      atomic.Uint64
	FrameSendErrors atomic.Uint64
	EventsEnqueued  atomic.Uint64
	EventsDropped   atomic.Uint64 // Event queue full
	EventsSent      atomic.Uint64
	EventSendErrors atomic.Uint64

	// Uploads
	UploadsAccepted        atomic.Uint64
	UploadsRejectedRate    atomic.Uint64
	UploadsRejectedBacklog atomic.Uint64
	UploadsSucceeded       atomic.Uint64
	UploadsFailed          atomic.Uint64

	// Current state
	TransportMode      atomic.Int32 // transport.Mode
	ModeChanges        atomic.Uint64
	LoopState          atomic.Int32
	InferenceLatencyMs atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "defectcam_" + name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "defectcam_" + name, Help: help},
		fn,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("frames_captured_total", "Frames read from the camera", &m.FramesCaptured)
	m.counter("capture_errors_total", "Camera read failures", &m.CaptureErrors)
	m.counter("frames_inferred_total", "Frames run through the detector", &m.FramesInferred)
	m.counter("inference_errors_total", "Detector failures", &m.InferenceErrors)
	m.counter("detections_total", "Detections above the confidence threshold", &m.Detections)
	m.counter("duplicates_total", "Detections suppressed as spatial duplicates", &m.Duplicates)
	m.counter("events_confirmed_total", "Novel defect events", &m.EventsConfirmed)

	m.counter("stream_frames_enqueued_total", "Preview frames queued for sending", &m.FramesEnqueued)
	m.counter("stream_frames_dropped_total", "Preview frames dropped on a full queue", &m.FramesDropped)
	m.counter("stream_frames_sent_total", "Preview frames delivered", &m.FramesSent)
	m.counter("stream_frame_errors_total", "Preview frame send failures", &m.FrameSendErrors)
	m.counter("events_enqueued_total", "Defect events queued for sending", &m.EventsEnqueued)
	m.counter("events_dropped_total", "Defect events dropped on a full queue", &m.EventsDropped)
	m.counter("events_sent_total", "Defect events delivered", &m.EventsSent)
	m.counter("event_errors_total", "Defect event send failures", &m.EventSendErrors)

	m.counter("uploads_accepted_total", "Uploads accepted by the coordinator", &m.UploadsAccepted)
	m.counter("uploads_rejected_rate_total", "Uploads rejected by the per-minute limit", &m.UploadsRejectedRate)
	m.counter("uploads_rejected_backlog_total", "Uploads rejected on a full backlog", &m.UploadsRejectedBacklog)
	m.counter("uploads_succeeded_total", "Uploads stored by the ingestor", &m.UploadsSucceeded)
	m.counter("uploads_failed_total", "Uploads that failed", &m.UploadsFailed)

	m.counter("transport_mode_changes_total", "Transport mode transitions", &m.ModeChanges)
	m.gauge("transport_mode", "Transport mode (0=disconnected, 1=persistent, 2=polling)",
		func() float64 { return float64(m.TransportMode.Load()) })
	m.gauge("loop_state", "Main loop state (0=initializing, 1=running, 2=paused, 3=idle, 4=shutting down, 5=stopped)",
		func() float64 { return float64(m.LoopState.Load()) })
	m.gauge("inference_latency_ms", "Last inference latency in milliseconds",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
}

// UpdateInferenceLatency stores the latest inference duration
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// FrameEnqueued implements dispatch.Observer
func (m *Metrics) FrameEnqueued(accepted bool) {
	if accepted {
		m.FramesEnqueued.Add(1)
	} else {
		m.FramesDropped.Add(1)
	}
}

// EventEnqueued implements dispatch.Observer
func (m *Metrics) EventEnqueued(accepted bool) {
	if accepted {
		m.EventsEnqueued.Add(1)
	} else {
		m.EventsDropped.Add(1)
	}
}

// FrameSent implements dispatch.Observer
func (m *Metrics) FrameSent(err error) {
	if err != nil {
		m.FrameSendErrors.Add(1)
	} else {
		m.FramesSent.Add(1)
	}
}

// EventSent implements dispatch.Observer
func (m *Metrics) EventSent(err error) {
	if err != nil {
		m.EventSendErrors.Add(1)
	} else {
		m.EventsSent.Add(1)
	}
}

// UploadSubmitted implements upload.Observer
func (m *Metrics) UploadSubmitted(err error) {
	switch {
	case err == nil:
		m.UploadsAccepted.Add(1)
	case errors.Is(err, upload.ErrRateLimited):
		m.UploadsRejectedRate.Add(1)
	case errors.Is(err, upload.ErrBacklogFull):
		m.UploadsRejectedBacklog.Add(1)
	}
}

// UploadFinished implements upload.Observer
func (m *Metrics) UploadFinished(err error) {
	if err != nil {
		m.UploadsFailed.Add(1)
	} else {
		m.UploadsSucceeded.Add(1)
	}
}

// ModeChanged records a transport transition; pass it as transport.Options.OnModeChange
func (m *Metrics) ModeChanged(from, to transport.Mode) {
	m.TransportMode.Store(int32(to))
	m.ModeChanges.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
