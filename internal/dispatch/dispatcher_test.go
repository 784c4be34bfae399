package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"defectcam/internal/pipeline"
)

type recordingSender struct {
	mu      sync.Mutex
	frames  [][]byte
	events  []string
	delay   time.Duration
	gate    chan struct{} // when set, every send waits on it
	entered chan struct{}
}

func (s *recordingSender) wait() {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

// Sends fail once ctx is done, as an HTTP request would
func (s *recordingSender) SendFrame(ctx context.Context, jpeg []byte) error {
	s.wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, jpeg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) SendEvent(ctx context.Context, e pipeline.DefectEvent) error {
	s.wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, e.Label)
	s.mu.Unlock()
	return nil
}

func TestEnqueueOnFullQueueFailsWithoutBlocking(t *testing.T) {
	d := New(&recordingSender{}, Options{FrameQueue: 3, EventQueue: 10})
	// Workers not started: nothing drains the queues.

	for i := 0; i < 3; i++ {
		if !d.EnqueueFrame(pipeline.StreamFrame{Payload: []byte{byte(i)}}) {
			t.Fatalf("frame %d rejected below capacity", i)
		}
	}
	for i := 0; i < 10; i++ {
		if !d.EnqueueEvent(pipeline.DefectEvent{Label: "crack"}) {
			t.Fatalf("event %d rejected below capacity", i)
		}
	}

	done := make(chan [2]bool)
	go func() {
		done <- [2]bool{
			d.EnqueueFrame(pipeline.StreamFrame{Payload: []byte{9}}),
			d.EnqueueEvent(pipeline.DefectEvent{Label: "crack"}),
		}
	}()

	select {
	case res := <-done:
		if res[0] || res[1] {
			t.Fatalf("enqueue on full queue returned %v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	s := d.Stats()
	if s.FramesQueued != 3 || s.EventsQueued != 10 {
		t.Fatalf("queue depths = %d/%d", s.FramesQueued, s.EventsQueued)
	}
	if s.FramesDropped != 1 || s.EventsDropped != 1 {
		t.Fatalf("dropped = %d/%d", s.FramesDropped, s.EventsDropped)
	}
}

func TestFastProducerSlowConsumer(t *testing.T) {
	sender := &recordingSender{delay: 10 * time.Millisecond}
	d := New(sender, Options{FrameQueue: 3, EventQueue: 10})
	d.Start(context.Background())

	accepted := 0
	for i := 0; i < 50; i++ {
		if d.EnqueueFrame(pipeline.StreamFrame{Payload: []byte{byte(i)}}) {
			accepted++
		}
		if n := len(d.frames); n > 3 {
			t.Fatalf("frame queue length %d exceeds capacity", n)
		}
	}

	if accepted == 50 {
		t.Fatal("slow consumer should have caused drops")
	}
	if !d.Stop(2 * time.Second) {
		t.Fatal("dispatcher did not stop")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.frames) != accepted {
		t.Fatalf("sent %d frames, accepted %d", len(sender.frames), accepted)
	}
	if got := d.Stats().FramesDropped; int(got) != 50-accepted {
		t.Fatalf("dropped = %d, want %d", got, 50-accepted)
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, Options{})

	labels := []string{"crack", "scratch", "bubble", "crack"}
	for _, l := range labels {
		d.EnqueueEvent(pipeline.DefectEvent{Label: l})
	}
	d.Start(context.Background())
	if !d.Stop(time.Second) {
		t.Fatal("dispatcher did not stop")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.events) != len(labels) {
		t.Fatalf("sent %v", sender.events)
	}
	for i := range labels {
		if sender.events[i] != labels[i] {
			t.Fatalf("order = %v, want %v", sender.events, labels)
		}
	}
}

func TestEnqueuedFrameIsCopied(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, Options{})

	buf := []byte{1, 2, 3}
	d.EnqueueFrame(pipeline.StreamFrame{Payload: buf})
	buf[0] = 99

	d.Start(context.Background())
	d.Stop(time.Second)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.frames) != 1 || sender.frames[0][0] != 1 {
		t.Fatalf("queued frame aliased the caller's buffer: %v", sender.frames)
	}
}

func TestStopIsBounded(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	sender := &recordingSender{gate: gate, entered: make(chan struct{}, 1)}

	d := New(sender, Options{})
	d.Start(context.Background())
	d.EnqueueEvent(pipeline.DefectEvent{Label: "crack"})

	select {
	case <-sender.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the event")
	}

	start := time.Now()
	if d.Stop(50 * time.Millisecond) {
		t.Fatal("Stop should report abandoned workers")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if d.EnqueueEvent(pipeline.DefectEvent{Label: "late"}) {
		t.Fatal("enqueue after stop should fail")
	}
}

func TestEventsArePublishedAfterSend(t *testing.T) {
	bus := pipeline.NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel(4)
	defer unsubscribe()

	d := New(&recordingSender{}, Options{Bus: bus})
	d.Start(context.Background())
	d.EnqueueEvent(pipeline.DefectEvent{Label: "bubble"})

	select {
	case ev := <-ch:
		if ev.Label != "bubble" {
			t.Fatalf("published %q", ev.Label)
		}
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
	d.Stop(time.Second)
}

func TestStopDeliversQueuedItemsAfterCancel(t *testing.T) {
	sender := &recordingSender{gate: make(chan struct{})}
	d := New(sender, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.EnqueueEvent(pipeline.DefectEvent{Label: "crack"})
	d.EnqueueFrame(pipeline.StreamFrame{Payload: []byte{1}})

	// Shutdown cancels the root context before the dispatcher drains
	cancel()
	close(sender.gate)

	if !d.Stop(time.Second) {
		t.Fatal("Stop timed out")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.events) != 1 || len(sender.frames) != 1 {
		t.Fatalf("delivered events=%v frames=%d", sender.events, len(sender.frames))
	}
	if s := d.Stats(); s.EventsFailed != 0 || s.FramesFailed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}
