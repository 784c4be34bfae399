// Package dispatch decouples the inference loop from network I/O with two
// bounded queues, each drained by one dedicated worker.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

const logTag = "Dispatcher"

// Sender delivers queued items to the backend
type Sender interface {
	SendFrame(ctx context.Context, jpeg []byte) error
	SendEvent(ctx context.Context, event pipeline.DefectEvent) error
}

// Observer receives dispatcher counters; metrics implement it
type Observer interface {
	FrameEnqueued(accepted bool)
	EventEnqueued(accepted bool)
	FrameSent(err error)
	EventSent(err error)
}

// Options configures a Dispatcher
type Options struct {
	FrameQueue int
	EventQueue int
	Observer   Observer
	// Bus, when set, receives every event after its send attempt
	Bus *pipeline.EventBus
}

// Stats contains dispatcher counters
type Stats struct {
	FramesQueued  int    `json:"frames_queued"`
	EventsQueued  int    `json:"events_queued"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	FramesFailed  uint64 `json:"frames_failed"`
	EventsSent    uint64 `json:"events_sent"`
	EventsDropped uint64 `json:"events_dropped"`
	EventsFailed  uint64 `json:"events_failed"`
}

// Dispatcher owns the frame and event queues and their workers
type Dispatcher struct {
	sender   Sender
	observer Observer
	bus      *pipeline.EventBus

	frames chan pipeline.StreamFrame
	events chan pipeline.DefectEvent

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	framesSent, framesDropped, framesFailed atomic.Uint64
	eventsSent, eventsDropped, eventsFailed atomic.Uint64
}

// New creates a dispatcher. Call Start before enqueueing.
func New(sender Sender, opts Options) *Dispatcher {
	if opts.FrameQueue < 1 {
		opts.FrameQueue = 3
	}
	if opts.EventQueue < 1 {
		opts.EventQueue = 10
	}
	return &Dispatcher{
		sender:   sender,
		observer: opts.Observer,
		bus:      opts.Bus,
		frames:   make(chan pipeline.StreamFrame, opts.FrameQueue),
		events:   make(chan pipeline.DefectEvent, opts.EventQueue),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one worker per queue. Sends carry ctx's values but not its
// cancellation: workers run until Stop, which drains what is already queued,
// and each send is bounded by the sender's own timeout.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(2)
	go d.frameWorker(ctx)
	go d.eventWorker(ctx)
	logger.Info(logTag, "Started (frame queue %d, event queue %d)", cap(d.frames), cap(d.events))
}

// EnqueueFrame hands a preview frame to the frame worker. It never blocks:
// when the queue is full the frame is dropped and false is returned.
func (d *Dispatcher) EnqueueFrame(frame pipeline.StreamFrame) bool {
	if d.stopped() {
		return false
	}
	frame.Payload = append([]byte(nil), frame.Payload...)

	select {
	case d.frames <- frame:
		d.observeFrameEnqueue(true)
		return true
	default:
		d.framesDropped.Add(1)
		d.observeFrameEnqueue(false)
		return false
	}
}

// EnqueueEvent hands a defect event to the event worker. It never blocks:
// when the queue is full the event is dropped and false is returned.
func (d *Dispatcher) EnqueueEvent(event pipeline.DefectEvent) bool {
	if d.stopped() {
		return false
	}
	if event.BBox != nil {
		bbox := *event.BBox
		event.BBox = &bbox
	}

	select {
	case d.events <- event:
		d.observeEventEnqueue(true)
		return true
	default:
		d.eventsDropped.Add(1)
		d.observeEventEnqueue(false)
		logger.Warn(logTag, "Event queue full, dropped %s event (%.2f)", event.Label, event.Confidence)
		return false
	}
}

func (d *Dispatcher) frameWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			d.drainFrames(ctx)
			return
		case frame := <-d.frames:
			d.sendFrame(ctx, frame)
		}
	}
}

func (d *Dispatcher) eventWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			d.drainEvents(ctx)
			return
		case event := <-d.events:
			d.sendEvent(ctx, event)
		}
	}
}

// drainFrames sends whatever is already queued, preserving FIFO order
func (d *Dispatcher) drainFrames(ctx context.Context) {
	for {
		select {
		case frame := <-d.frames:
			d.sendFrame(ctx, frame)
		default:
			return
		}
	}
}

func (d *Dispatcher) drainEvents(ctx context.Context) {
	for {
		select {
		case event := <-d.events:
			d.sendEvent(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) sendFrame(ctx context.Context, frame pipeline.StreamFrame) {
	err := d.sender.SendFrame(ctx, frame.Payload)
	if err != nil {
		d.framesFailed.Add(1)
		logger.Debug(logTag, "Frame send failed: %v", err)
	} else {
		d.framesSent.Add(1)
	}
	if d.observer != nil {
		d.observer.FrameSent(err)
	}
}

func (d *Dispatcher) sendEvent(ctx context.Context, event pipeline.DefectEvent) {
	err := d.sender.SendEvent(ctx, event)
	if err != nil {
		d.eventsFailed.Add(1)
		logger.Warn(logTag, "Event send failed for %s: %v", event.Label, err)
	} else {
		d.eventsSent.Add(1)
	}
	if d.observer != nil {
		d.observer.EventSent(err)
	}
	if d.bus != nil {
		d.bus.Publish(&event)
	}
}

// Stop signals the workers to drain and exit, waiting at most timeout.
// It reports whether both workers exited in time; late workers are abandoned.
func (d *Dispatcher) Stop(timeout time.Duration) bool {
	d.stopOnce.Do(func() { close(d.stopCh) })

	if !d.started.Load() {
		return true
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(logTag, "Stopped")
		return true
	case <-time.After(timeout):
		logger.Warn(logTag, "Workers did not exit within %v, abandoning", timeout)
		return false
	}
}

// Stats returns current counters and queue depths
func (d *Dispatcher) Stats() Stats {
	return Stats{
		FramesQueued:  len(d.frames),
		EventsQueued:  len(d.events),
		FramesSent:    d.framesSent.Load(),
		FramesDropped: d.framesDropped.Load(),
		FramesFailed:  d.framesFailed.Load(),
		EventsSent:    d.eventsSent.Load(),
		EventsDropped: d.eventsDropped.Load(),
		EventsFailed:  d.eventsFailed.Load(),
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) observeFrameEnqueue(ok bool) {
	if d.observer != nil {
		d.observer.FrameEnqueued(ok)
	}
}

func (d *Dispatcher) observeEventEnqueue(ok bool) {
	if d.observer != nil {
		d.observer.EventEnqueued(ok)
	}
}
