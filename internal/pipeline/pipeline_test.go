package pipeline

import (
	"testing"
	"time"
)

func TestBBoxCenterAndCSV(t *testing.T) {
	b := BBox{X1: 90, Y1: 80, X2: 110, Y2: 120}
	c := b.Center()
	if c.X != 100 || c.Y != 100 {
		t.Fatalf("center = %+v", c)
	}
	if got := b.CSV(); got != "90,80,110,120" {
		t.Fatalf("csv = %q", got)
	}
	if d := c.DistSq(Point{X: 103, Y: 104}); d != 25 {
		t.Fatalf("distSq = %v", d)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
		ok   bool
	}{
		{"start", CommandStart, true},
		{"PAUSE", CommandPause, true},
		{"dashboard:resume", CommandResume, true},
		{" stop ", CommandStop, true},
		{"reboot", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseCommand(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseCommand(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(300 * time.Millisecond)
	t0 := time.Unix(1000, 0)

	if !th.Allow("", t0) {
		t.Fatal("first action should pass")
	}
	if th.Allow("", t0.Add(100*time.Millisecond)) {
		t.Fatal("action inside interval should be throttled")
	}
	if !th.Allow("crack", t0.Add(100*time.Millisecond)) {
		t.Fatal("keys are independent")
	}
	if !th.Allow("", t0.Add(300*time.Millisecond)) {
		t.Fatal("action after interval should pass")
	}

	zero := NewThrottle(0)
	for i := 0; i < 3; i++ {
		if !zero.Allow("", t0) {
			t.Fatal("zero interval accepts everything")
		}
	}
}

func TestEventBusNonBlockingChannel(t *testing.T) {
	bus := NewEventBus()
	slow, unsubscribeSlow := bus.SubscribeChannel(1)
	defer unsubscribeSlow()
	fast, unsubscribeFast := bus.SubscribeChannel(4)
	defer unsubscribeFast()

	done := make(chan struct{})
	go func() {
		bus.Publish(&DefectEvent{Label: "crack"})
		bus.Publish(&DefectEvent{Label: "scratch"}) // slow channel full, dropped there
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := <-slow; got.Label != "crack" {
		t.Fatalf("first event = %q", got.Label)
	}
	if len(slow) != 0 || len(fast) != 2 {
		t.Fatalf("buffered slow=%d fast=%d", len(slow), len(fast))
	}
}

func TestEventBusUnsubscribeAndClose(t *testing.T) {
	bus := NewEventBus()
	a, unsubscribeA := bus.SubscribeChannel(1)
	b, unsubscribeB := bus.SubscribeChannel(1)

	unsubscribeA()
	unsubscribeA()
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel still open")
	}

	bus.Publish(&DefectEvent{Label: "crack"})
	bus.Close()
	if got := <-b; got == nil || got.Label != "crack" {
		t.Fatalf("buffered event = %+v", got)
	}
	if _, ok := <-b; ok {
		t.Fatal("Close left a channel open")
	}
	unsubscribeB()
	bus.Publish(&DefectEvent{Label: "crack"})
}
