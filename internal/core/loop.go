// Package core runs the device hot loop: capture, inference, deduplication
// and fire-and-forget hand-off to the dispatcher and upload pool.
package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"defectcam/internal/capture"
	"defectcam/internal/dedup"
	"defectcam/internal/logger"
	"defectcam/internal/metrics"
	"defectcam/internal/overlay"
	"defectcam/internal/pipeline"
	"defectcam/internal/transport"
	"defectcam/internal/upload"
)

const logTag = "Loop"

// State is the main loop lifecycle state
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StatePaused
	StateIdle
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateIdle:
		return "idle"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Channel is the part of the transport the loop drives
type Channel interface {
	Mode() transport.Mode
	EnsureConnected()
	Close() error
}

// Dispatcher accepts preview frames and events without blocking
type Dispatcher interface {
	EnqueueFrame(frame pipeline.StreamFrame) bool
	EnqueueEvent(event pipeline.DefectEvent) bool
	Stop(timeout time.Duration) bool
}

// Uploader accepts defect snapshots without blocking
type Uploader interface {
	Submit(task upload.Task) bool
	Stop()
}

// PreviewSink receives every encoded preview frame, e.g. a local MJPEG server
type PreviewSink interface {
	Publish(jpeg []byte)
}

// StatusKeeper records device presence
type StatusKeeper interface {
	SetDeviceStatus(ctx context.Context, deviceID string, online bool) error
}

// Deps are the collaborators owned by the loop for its lifetime
type Deps struct {
	Source     pipeline.FrameSource
	Detector   pipeline.Detector
	Tracker    *dedup.Tracker
	Channel    Channel
	Dispatcher Dispatcher
	Uploads    Uploader
	Records    StatusKeeper             // optional
	Metrics    *metrics.Metrics         // optional
	Preview    PreviewSink              // optional
	Commands   []<-chan pipeline.Command // transport, MQTT, ...
}

// Options holds the static loop settings
type Options struct {
	DeviceID          string
	MinConfidence     float32
	FrameInterval     time.Duration // Minimum gap between preview frames
	ReconnectEvery    int           // Iterations between reconnect checks
	InferWhilePaused  bool
	DetectionCooldown time.Duration // Per label, after dedup; 0 disables
	StatusInterval    time.Duration
	PreviewQuality    int
	ShowFPS           bool
	JoinTimeout       time.Duration
	ErrorBackoff      time.Duration // Pause after a failed iteration
}

// Status is a point-in-time view of the loop
type Status struct {
	State      string  `json:"state"`
	Transport  string  `json:"transport"`
	Iterations uint64  `json:"iterations"`
	FPS        float64 `json:"fps"`
	Tracked    int64   `json:"tracked_defects"`
	Events     uint64  `json:"events"`
}

// Loop is the single-threaded capture and inference cycle
type Loop struct {
	deps Deps
	opts Options
	now  func() time.Time

	state      atomic.Int32
	iterations atomic.Uint64
	tracked    atomic.Int64 // Tracker.Len after the last step
	events     atomic.Uint64

	preview   *pipeline.Throttle
	cooldown  *pipeline.Throttle
	errorLogs *pipeline.Throttle
	fps       overlay.FPSCounter

	lastStatus     time.Time
	statusInFlight atomic.Bool

	shutdownOnce sync.Once
}

// New creates a loop in the Initializing state
func New(deps Deps, opts Options) *Loop {
	if opts.ReconnectEvery < 1 {
		opts.ReconnectEvery = 30
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 2 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 30 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 200 * time.Millisecond
	}
	l := &Loop{
		deps:      deps,
		opts:      opts,
		now:       time.Now,
		preview:   pipeline.NewThrottle(opts.FrameInterval),
		cooldown:  pipeline.NewThrottle(opts.DetectionCooldown),
		errorLogs: pipeline.NewThrottle(10 * time.Second),
	}
	l.state.Store(int32(StateInitializing))
	return l
}

// State returns the current lifecycle state
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		logger.Info(logTag, "State %s -> %s", prev, s)
	}
	if m := l.deps.Metrics; m != nil {
		m.LoopState.Store(int32(s))
	}
}

// Status reports the loop state for the local status server
func (l *Loop) Status() Status {
	st := Status{
		State:      l.State().String(),
		Iterations: l.iterations.Load(),
		FPS:        l.fps.FPS(),
		Tracked:    l.tracked.Load(),
		Events:     l.events.Load(),
	}
	if l.deps.Channel != nil {
		st.Transport = l.deps.Channel.Mode().String()
	}
	return st
}

// Run drives Step until ctx is done or the frame source ends, then shuts down
func (l *Loop) Run(ctx context.Context) error {
	defer l.Shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.Step(ctx)
		if errors.Is(err, capture.ErrSourceClosed) {
			logger.Error(logTag, "Frame source ended: %v", err)
			return err
		}
		if err != nil && ctx.Err() == nil {
			if l.errorLogs.Allow("step", l.now()) {
				logger.Warn(logTag, "Iteration failed: %v", err)
			}
			// Back off before the next read
			select {
			case <-ctx.Done():
			case <-time.After(l.opts.ErrorBackoff):
			}
			continue
		}

		if s := l.State(); s == StateIdle || (s == StatePaused && !l.opts.InferWhilePaused) {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// Step runs one iteration. Errors on a single frame are logged and
// reported but never abort the loop, except for a closed source.
func (l *Loop) Step(ctx context.Context) error {
	if l.State() == StateInitializing {
		l.setState(StateRunning)
	}
	l.applyCommands()

	state := l.State()
	if state == StateIdle || state == StateShuttingDown || state == StateStopped {
		return nil
	}

	iter := l.iterations.Add(1)
	if iter%uint64(l.opts.ReconnectEvery) == 0 && l.deps.Channel != nil &&
		l.deps.Channel.Mode() == transport.ModeDisconnected {
		logger.Info(logTag, "Transport disconnected, scheduling reconnect")
		l.deps.Channel.EnsureConnected()
	}
	if now := l.now(); now.Sub(l.lastStatus) >= l.opts.StatusInterval {
		l.lastStatus = now
		l.reportStatus(true)
	}

	if state == StatePaused && !l.opts.InferWhilePaused {
		return nil
	}

	frame, err := l.deps.Source.Read(ctx)
	if err != nil {
		l.count(func(m *metrics.Metrics) { m.CaptureErrors.Add(1) })
		return err
	}
	l.count(func(m *metrics.Metrics) { m.FramesCaptured.Add(1) })

	started := time.Now()
	result, err := l.deps.Detector.Detect(ctx, frame)
	if err != nil {
		l.count(func(m *metrics.Metrics) { m.InferenceErrors.Add(1) })
		return err
	}
	l.count(func(m *metrics.Metrics) {
		m.FramesInferred.Add(1)
		m.UpdateInferenceLatency(time.Since(started))
	})
	fps := l.fps.Tick(l.now())

	// Paused inference only keeps the model warm
	if l.State() != StateRunning {
		return nil
	}

	l.handleDetections(frame, result.Detections)
	l.tracked.Store(int64(l.deps.Tracker.Len()))
	l.sendPreview(frame, result, fps)
	return nil
}

func (l *Loop) handleDetections(frame *pipeline.FrameData, dets []pipeline.Detection) {
	for _, d := range dets {
		if d.Confidence < l.opts.MinConfidence {
			continue
		}
		l.count(func(m *metrics.Metrics) { m.Detections.Add(1) })

		center := d.Center()
		if l.deps.Tracker.IsDuplicate(d.Label, center) {
			l.count(func(m *metrics.Metrics) { m.Duplicates.Add(1) })
			continue
		}
		l.deps.Tracker.Record(d.Label, center, frame.Timestamp)

		if !l.cooldown.Allow(d.Label, l.now()) {
			logger.Debug(logTag, "%s suppressed by cooldown", d.Label)
			continue
		}

		event := pipeline.NewDefectEvent(l.opts.DeviceID, d, frame.Timestamp)
		l.events.Add(1)
		l.count(func(m *metrics.Metrics) { m.EventsConfirmed.Add(1) })
		logger.Info(logTag, "Defect %s (%.2f) at (%.0f, %.0f)", d.Label, d.Confidence, center.X, center.Y)

		if !l.deps.Dispatcher.EnqueueEvent(event) {
			logger.Warn(logTag, "Event queue full, dropped %s", d.Label)
		}
		if !l.deps.Uploads.Submit(upload.Task{Image: frame.Image, Event: event}) {
			logger.Info(logTag, "Upload of %s not accepted", d.Label)
		}
	}
}

func (l *Loop) sendPreview(frame *pipeline.FrameData, result *pipeline.DetectionResult, fps float64) {
	if !l.preview.Allow("preview", l.now()) {
		return
	}

	img := result.Annotated
	if img == nil {
		img = frame.Image
	}
	if l.opts.ShowFPS {
		rgba := overlay.ToRGBA(img)
		overlay.DrawFPS(rgba, fps)
		img = rgba
	}

	payload, err := upload.EncodeJPEG(img, l.opts.PreviewQuality)
	if err != nil {
		logger.Warn(logTag, "Preview encode failed: %v", err)
		return
	}
	if l.deps.Preview != nil {
		l.deps.Preview.Publish(payload)
	}
	if !l.deps.Dispatcher.EnqueueFrame(pipeline.StreamFrame{Payload: payload, CapturedAt: frame.Timestamp}) {
		logger.Debug(logTag, "Frame queue full, preview dropped")
	}
}

// applyCommands drains pending control commands without waiting
func (l *Loop) applyCommands() {
	for _, ch := range l.deps.Commands {
		for {
			var cmd pipeline.Command
			select {
			case cmd = <-ch:
			default:
			}
			if cmd == "" {
				break
			}
			l.apply(cmd)
		}
	}
}

func (l *Loop) apply(cmd pipeline.Command) {
	state := l.State()
	switch cmd {
	case pipeline.CommandStart:
		if state == StateIdle || state == StatePaused {
			l.setState(StateRunning)
		}
	case pipeline.CommandStop:
		if state == StateRunning || state == StatePaused {
			l.setState(StateIdle)
		}
	case pipeline.CommandPause:
		if state == StateRunning {
			l.setState(StatePaused)
		}
	case pipeline.CommandResume:
		if state == StatePaused {
			l.setState(StateRunning)
		}
	}
}

// reportStatus upserts device presence in the background, one write at a time
func (l *Loop) reportStatus(online bool) {
	if l.deps.Records == nil || !l.statusInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.statusInFlight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.deps.Records.SetDeviceStatus(ctx, l.opts.DeviceID, online); err != nil {
			logger.Warn(logTag, "Failed to update device status: %v", err)
		}
	}()
}

// Shutdown stops the workers, releases the camera and closes the transport.
// It is safe to call more than once.
func (l *Loop) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.setState(StateShuttingDown)

		if l.deps.Dispatcher != nil && !l.deps.Dispatcher.Stop(l.opts.JoinTimeout) {
			logger.Warn(logTag, "Dispatcher workers abandoned after %s", l.opts.JoinTimeout)
		}
		if l.deps.Uploads != nil {
			l.deps.Uploads.Stop()
		}
		if l.deps.Source != nil {
			if err := l.deps.Source.Close(); err != nil {
				logger.Warn(logTag, "Failed to release camera: %v", err)
			}
		}
		if l.deps.Channel != nil {
			l.deps.Channel.Close()
		}
		if l.deps.Records != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.deps.Records.SetDeviceStatus(ctx, l.opts.DeviceID, false); err != nil {
				logger.Warn(logTag, "Failed to mark device offline: %v", err)
			}
			cancel()
		}

		l.setState(StateStopped)
	})
}

func (l *Loop) count(fn func(m *metrics.Metrics)) {
	if l.deps.Metrics != nil {
		fn(l.deps.Metrics)
	}
}
