// Package upload ships defect snapshots to the ingestion endpoint off the
// hot path, bounded by a worker pool, a backlog and a per-minute rate limit.
package upload

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
	"defectcam/internal/records"
)

const logTag = "Upload"

var (
	ErrRateLimited = errors.New("upload rate limit reached")
	ErrBacklogFull = errors.New("upload backlog is full")
	ErrStopped     = errors.New("upload coordinator stopped")
)

// Task is one defect snapshot to upload
type Task struct {
	Image image.Image
	Event pipeline.DefectEvent
}

// Upload is an encoded task handed to an Ingestor
type Upload struct {
	JPEG  []byte
	Event pipeline.DefectEvent
}

// Reference locates a stored snapshot
type Reference struct {
	URL  string
	Path string
}

// Ingestor stores one encoded snapshot remotely
type Ingestor interface {
	Name() string
	Ingest(ctx context.Context, u *Upload) (Reference, error)
}

// RecordKeeper persists the result of a successful upload
type RecordKeeper interface {
	SaveDefect(ctx context.Context, rec *records.DefectRecord) error
}

// Observer receives upload outcomes; metrics implement it.
// A nil error means accepted or succeeded.
type Observer interface {
	UploadSubmitted(err error)
	UploadFinished(err error)
}

// Options configures a Coordinator
type Options struct {
	Workers      int
	Backlog      int
	MaxPerMinute int // <= 0 disables the limit
	Quality      int
	Timeout      time.Duration
	CropToBBox   bool
	CropMargin   int
	Records      RecordKeeper
	Observer     Observer
}

// Stats contains upload counters
type Stats struct {
	Backlog         int    `json:"backlog"`
	InWindow        int    `json:"in_window"`
	Accepted        uint64 `json:"accepted"`
	RejectedRate    uint64 `json:"rejected_rate"`
	RejectedBacklog uint64 `json:"rejected_backlog"`
	Succeeded       uint64 `json:"succeeded"`
	Failed          uint64 `json:"failed"`
	RecordFailures  uint64 `json:"record_failures"`
}

// Coordinator owns the upload worker pool
type Coordinator struct {
	ingestor Ingestor
	opts     Options
	limiter  *RateLimiter
	now      func() time.Time

	mu      sync.Mutex // Serializes submitters and guards stopped
	stopped bool
	tasks   chan Task

	ctx context.Context
	wg  sync.WaitGroup

	accepted, rejectedRate, rejectedBacklog atomic.Uint64
	succeeded, failed, recordFailures       atomic.Uint64
}

// New creates a coordinator. Call Start to launch the workers.
func New(ingestor Ingestor, opts Options) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.Backlog < 1 {
		opts.Backlog = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Coordinator{
		ingestor: ingestor,
		opts:     opts,
		limiter:  NewRateLimiter(opts.MaxPerMinute, time.Minute),
		now:      time.Now,
		tasks:    make(chan Task, opts.Backlog),
		ctx:      context.Background(),
	}
}

// Start launches the worker pool
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	logger.Info(logTag, "Started %d workers (ingestor=%s, backlog=%d, max/min=%d)",
		c.opts.Workers, c.ingestor.Name(), c.opts.Backlog, c.opts.MaxPerMinute)
}

// Submit queues t without blocking and reports whether it was accepted
func (c *Coordinator) Submit(t Task) bool {
	err := c.TrySubmit(t)
	if err != nil {
		logger.Debug(logTag, "Rejected %s upload: %v", t.Event.Label, err)
	}
	return err == nil
}

// TrySubmit is Submit with the rejection reason
func (c *Coordinator) TrySubmit(t Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.admit()
	if c.opts.Observer != nil {
		c.opts.Observer.UploadSubmitted(err)
	}
	if err != nil {
		return err
	}

	if t.Image != nil {
		r := t.Image.Bounds()
		if c.opts.CropToBBox {
			r = cropRect(r, t.Event.BBox, c.opts.CropMargin)
		}
		t.Image = snapshot(t.Image, r)
	}
	if t.Event.BBox != nil {
		bbox := *t.Event.BBox
		t.Event.BBox = &bbox
	}

	// Only submitters send and they are serialized, so there is room
	c.tasks <- t
	c.accepted.Add(1)
	return nil
}

func (c *Coordinator) admit() error {
	if c.stopped {
		return ErrStopped
	}
	if len(c.tasks) >= cap(c.tasks) {
		c.rejectedBacklog.Add(1)
		return ErrBacklogFull
	}
	if !c.limiter.Allow(c.now()) {
		c.rejectedRate.Add(1)
		return ErrRateLimited
	}
	return nil
}

// Stop rejects further submissions. Queued tasks are drained in the
// background and in-flight uploads are not waited for.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.tasks)
	logger.Info(logTag, "Stopped with %d uploads still queued", len(c.tasks))
}

// Wait blocks until the workers exit or timeout elapses
func (c *Coordinator) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats returns a snapshot of the counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Backlog:         len(c.tasks),
		InWindow:        c.limiter.Count(c.now()),
		Accepted:        c.accepted.Load(),
		RejectedRate:    c.rejectedRate.Load(),
		RejectedBacklog: c.rejectedBacklog.Load(),
		Succeeded:       c.succeeded.Load(),
		Failed:          c.failed.Load(),
		RecordFailures:  c.recordFailures.Load(),
	}
}

func (c *Coordinator) worker(id int) {
	defer c.wg.Done()
	for t := range c.tasks {
		err := c.process(t)
		if err != nil {
			c.failed.Add(1)
			logger.Warn(logTag, "Worker %d: %s upload failed: %v", id, t.Event.Label, err)
		} else {
			c.succeeded.Add(1)
		}
		if c.opts.Observer != nil {
			c.opts.Observer.UploadFinished(err)
		}
	}
}

func (c *Coordinator) process(t Task) error {
	if t.Image == nil {
		return fmt.Errorf("no image for event %s", t.Event.ID)
	}
	data, err := EncodeJPEG(t.Image, c.opts.Quality)
	if err != nil {
		return err
	}

	// Accepted uploads outlive the caller's cancellation; Timeout bounds each one
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.Timeout)
	defer cancel()

	ref, err := c.ingestor.Ingest(ctx, &Upload{JPEG: data, Event: t.Event})
	if err != nil {
		return fmt.Errorf("failed to ingest: %w", err)
	}
	logger.Info(logTag, "Uploaded %s (%.2f) -> %s", t.Event.Label, t.Event.Confidence, ref.Path)

	if c.opts.Records == nil {
		return nil
	}

	rec := &records.DefectRecord{
		ID:         t.Event.ID.String(),
		DeviceID:   t.Event.DeviceID,
		DefectType: t.Event.Label,
		Confidence: float64(t.Event.Confidence),
		DetectedAt: t.Event.Timestamp,
		ImageURL:   ref.URL,
		ImagePath:  ref.Path,
		Status:     "uploaded",
	}
	if t.Event.BBox != nil {
		rec.BBox = t.Event.BBox.CSV()
	}
	if err := c.opts.Records.SaveDefect(ctx, rec); err != nil {
		// The snapshot is stored; only the local record is lost
		c.recordFailures.Add(1)
		logger.Warn(logTag, "Failed to record %s: %v", rec.ID, err)
	}
	return nil
}
