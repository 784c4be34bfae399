package upload

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"defectcam/internal/pipeline"
	"defectcam/internal/records"
)

type fakeIngestor struct {
	mu      sync.Mutex
	uploads []*Upload
	err     error
}

func (f *fakeIngestor) Name() string { return "fake" }

func (f *fakeIngestor) Ingest(ctx context.Context, u *Upload) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, u)
	if f.err != nil {
		return Reference{}, f.err
	}
	return Reference{URL: "https://store/" + u.Event.Label, Path: ObjectKey(u.Event)}, nil
}

func (f *fakeIngestor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakeRecords struct {
	mu   sync.Mutex
	recs []*records.DefectRecord
}

func (f *fakeRecords) SaveDefect(_ context.Context, rec *records.DefectRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func testTask(label string) Task {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	bbox := pipeline.BBox{X1: 10, Y1: 10, X2: 20, Y2: 20}
	ev := pipeline.NewDefectEvent("cam-1", pipeline.Detection{Label: label, Confidence: 0.8, BBox: bbox}, time.Now())
	return Task{Image: img, Event: ev}
}

func TestRateLimitRejectsExcessWithinWindow(t *testing.T) {
	ing := &fakeIngestor{}
	c := New(ing, Options{Workers: 2, Backlog: 100, MaxPerMinute: 60})

	accepted := 0
	for i := 0; i < 61; i++ {
		if c.Submit(testTask("crack")) {
			accepted++
		}
	}
	if accepted != 60 {
		t.Fatalf("accepted %d, want 60", accepted)
	}
	if err := c.TrySubmit(testTask("crack")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	c.Start(context.Background())
	c.Stop()
	if !c.Wait(5 * time.Second) {
		t.Fatal("workers did not drain")
	}
	if n := ing.count(); n != 60 {
		t.Fatalf("ingestor called %d times, want 60", n)
	}
	s := c.Stats()
	if s.Accepted != 60 || s.RejectedRate != 2 || s.Succeeded != 60 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRateWindowSlides(t *testing.T) {
	c := New(&fakeIngestor{}, Options{Backlog: 10, MaxPerMinute: 2})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Submit(testTask("a"))
	now = now.Add(30 * time.Second)
	c.Submit(testTask("b"))
	if c.Submit(testTask("c")) {
		t.Fatal("third upload inside the window accepted")
	}

	now = now.Add(31 * time.Second)
	if !c.Submit(testTask("d")) {
		t.Fatal("oldest upload should have left the window")
	}
}

func TestBacklogFullRejectsImmediately(t *testing.T) {
	c := New(&fakeIngestor{}, Options{Workers: 1, Backlog: 2})

	c.Submit(testTask("a"))
	c.Submit(testTask("b"))

	done := make(chan error, 1)
	go func() { done <- c.TrySubmit(testTask("c")) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrBacklogFull) {
			t.Fatalf("err = %v, want ErrBacklogFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full backlog")
	}
	if s := c.Stats(); s.RejectedBacklog != 1 || s.InWindow != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSuccessfulUploadIsRecorded(t *testing.T) {
	ing := &fakeIngestor{}
	recs := &fakeRecords{}
	c := New(ing, Options{Records: recs})
	c.Start(context.Background())

	task := testTask("scratch")
	c.Submit(task)
	c.Stop()
	c.Wait(2 * time.Second)

	recs.mu.Lock()
	defer recs.mu.Unlock()
	if len(recs.recs) != 1 {
		t.Fatalf("recorded %d", len(recs.recs))
	}
	rec := recs.recs[0]
	if rec.ID != task.Event.ID.String() || rec.DefectType != "scratch" || rec.BBox != "10,10,20,20" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ImageURL != "https://store/scratch" || rec.ImagePath != ObjectKey(task.Event) {
		t.Fatalf("reference not stored: %+v", rec)
	}
}

func TestFailedUploadIsNotRecordedOrRetried(t *testing.T) {
	ing := &fakeIngestor{err: errors.New("boom")}
	recs := &fakeRecords{}
	c := New(ing, Options{Records: recs})
	c.Start(context.Background())

	c.Submit(testTask("crack"))
	c.Stop()
	c.Wait(2 * time.Second)

	if ing.count() != 1 {
		t.Fatalf("ingest attempts = %d, want 1", ing.count())
	}
	if len(recs.recs) != 0 {
		t.Fatal("failed upload was recorded")
	}
	if s := c.Stats(); s.Failed != 1 || s.Succeeded != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSubmitCopiesImage(t *testing.T) {
	ing := &fakeIngestor{}
	c := New(ing, Options{CropToBBox: true, CropMargin: 5})

	task := testTask("crack")
	src := task.Image.(*image.RGBA)
	src.Set(12, 12, color.RGBA{R: 255, A: 255})
	c.Submit(task)
	src.Set(12, 12, color.RGBA{G: 255, A: 255})

	queued := <-c.tasks
	b := queued.Image.Bounds()
	if b.Dx() != 20 || b.Dy() != 20 {
		t.Fatalf("crop bounds = %v, want 20x20", b)
	}
	// (12,12) in the frame is (7,7) in the crop
	if r, g, _, _ := queued.Image.At(7, 7).RGBA(); r == 0 || g != 0 {
		t.Fatal("queued image aliases the caller's buffer")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	c := New(&fakeIngestor{}, Options{})
	c.Stop()
	c.Stop()
	if err := c.TrySubmit(testTask("crack")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestCropRectClampsToFrame(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)
	tests := []struct {
		name string
		bbox *pipeline.BBox
		want image.Rectangle
	}{
		{"no box", nil, bounds},
		{"inside", &pipeline.BBox{X1: 40, Y1: 40, X2: 60, Y2: 60}, image.Rect(30, 30, 70, 70)},
		{"edge", &pipeline.BBox{X1: 0, Y1: 95, X2: 10, Y2: 100}, image.Rect(0, 85, 20, 100)},
		{"outside", &pipeline.BBox{X1: 200, Y1: 200, X2: 210, Y2: 210}, bounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cropRect(bounds, tt.bbox, 10); got != tt.want {
				t.Fatalf("cropRect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcceptedUploadsSurviveCancel(t *testing.T) {
	ing := &fakeIngestor{}
	c := New(ing, Options{Workers: 1, Backlog: 10, MaxPerMinute: 60})

	for _, label := range []string{"crack", "scratch"} {
		if !c.Submit(testTask(label)) {
			t.Fatalf("%s rejected", label)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	c.Stop()
	if !c.Wait(5 * time.Second) {
		t.Fatal("workers did not drain")
	}

	if s := c.Stats(); s.Succeeded != 2 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}
