package transport

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"defectcam/internal/pipeline"
)

func TestEventRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.FixedZone("CEST", 2*3600))
	in := pipeline.NewDefectEvent("cam-1", pipeline.Detection{
		Label:      "crack",
		Confidence: 0.8731,
		BBox:       pipeline.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40},
	}, ts)

	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if out.Label != in.Label {
		t.Fatalf("label = %q, want %q", out.Label, in.Label)
	}
	if math.Abs(float64(out.Confidence-in.Confidence)) > 1e-6 {
		t.Fatalf("confidence = %v, want %v", out.Confidence, in.Confidence)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.BBox == nil || *out.BBox != *in.BBox {
		t.Fatalf("bbox = %+v, want %+v", out.BBox, in.BBox)
	}
}

func TestDetectionEnvelopeFields(t *testing.T) {
	data, err := EncodeEvent(pipeline.DefectEvent{Label: "bubble", Confidence: 0.5, Timestamp: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["type"] != "detection" || raw["defect_type"] != "bubble" {
		t.Fatalf("unexpected envelope: %s", data)
	}
	if raw["timestamp"] != "1970-01-01T00:00:00Z" {
		t.Fatalf("timestamp = %v", raw["timestamp"])
	}
	if _, ok := raw["bbox"]; ok {
		t.Fatal("bbox should be omitted when absent")
	}
}

func TestDecodeEventRejectsOtherTypes(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"frame","frame":""}`))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		in      string
		want    pipeline.Command
		wantErr bool
	}{
		{`{"type":"start"}`, pipeline.CommandStart, false},
		{`{"type":"dashboard:pause"}`, pipeline.CommandPause, false},
		{`{"type":"control","command":"resume"}`, pipeline.CommandResume, false},
		{`{"event":"dashboard:stop","data":{}}`, pipeline.CommandStop, false},
		{`"pause"`, pipeline.CommandPause, false},
		{`{"type":"pong"}`, "", true},
		{`not json`, "", true},
	}
	for _, tt := range tests {
		got, err := DecodeControl([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Fatalf("DecodeControl(%s) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("DecodeControl(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := map[string]string{
		"http://backend:3000":        "ws://backend:3000/ws",
		"https://example.com/api?x=1": "wss://example.com/ws",
	}
	for in, want := range tests {
		got, err := DeriveWSURL(in)
		if err != nil || got != want {
			t.Fatalf("DeriveWSURL(%q) = %q, %v want %q", in, got, err, want)
		}
	}
	if _, err := DeriveWSURL("ftp://x"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}
