package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dispatch.FrameQueue != 3 || cfg.Dispatch.EventQueue != 10 {
		t.Fatalf("unexpected queue sizes %d/%d", cfg.Dispatch.FrameQueue, cfg.Dispatch.EventQueue)
	}
	if !strings.HasSuffix(cfg.Upload.URL, "/api/device/defects") {
		t.Fatalf("upload url not derived: %q", cfg.Upload.URL)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.yaml")
	yml := `
device_id: line-3
backend:
  url: http://backend:3000
  retry_delay: 2s
dedup:
  policy: session
  spatial_dist: 40
loop:
  frame_interval: 500ms
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MIN_CONFIDENCE", "0.7")
	t.Setenv("DISABLE_WEBSOCKET", "true")
	t.Setenv("FRAME_INTERVAL", "0.25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DeviceID != "line-3" {
		t.Fatalf("device id = %q", cfg.DeviceID)
	}
	if cfg.Backend.RetryDelay != 2*time.Second {
		t.Fatalf("retry delay = %v", cfg.Backend.RetryDelay)
	}
	if cfg.Dedup.Policy != "session" || cfg.Dedup.SpatialDist != 40 {
		t.Fatalf("dedup = %+v", cfg.Dedup)
	}
	if cfg.Dedup.MinConfidence != 0.7 {
		t.Fatalf("min confidence = %v", cfg.Dedup.MinConfidence)
	}
	if !cfg.Backend.ForcePolling {
		t.Fatal("DISABLE_WEBSOCKET should force polling")
	}
	if cfg.Loop.FrameInterval != 250*time.Millisecond {
		t.Fatalf("frame interval = %v", cfg.Loop.FrameInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Upload.Workers != 2 {
		t.Fatalf("workers = %d", cfg.Upload.Workers)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("MAX_UPLOADS_PER_MIN", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric MAX_UPLOADS_PER_MIN")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"confidence above one", func(c *Config) { c.Dedup.MinConfidence = 1.5 }},
		{"unknown policy", func(c *Config) { c.Dedup.Policy = "lru" }},
		{"zero frame queue", func(c *Config) { c.Dispatch.FrameQueue = 0 }},
		{"unknown backend", func(c *Config) { c.Upload.Backend = "ftp" }},
		{"s3 without endpoint", func(c *Config) { c.Upload.Backend = "s3" }},
		{"driver without dsn", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"unknown camera", func(c *Config) { c.Camera.Kind = "gstreamer" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Upload.URL = "http://ingest"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
