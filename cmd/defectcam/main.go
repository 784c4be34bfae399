package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"defectcam/internal/auth"
	"defectcam/internal/capture"
	"defectcam/internal/config"
	"defectcam/internal/core"
	"defectcam/internal/dedup"
	"defectcam/internal/detection"
	"defectcam/internal/dispatch"
	"defectcam/internal/emitter"
	"defectcam/internal/logger"
	"defectcam/internal/metrics"
	"defectcam/internal/middleware"
	"defectcam/internal/pipeline"
	"defectcam/internal/records"
	"defectcam/internal/status"
	"defectcam/internal/stream"
	"defectcam/internal/transport"
	"defectcam/internal/upload"
	"defectcam/internal/ws"
)

func main() {
	var (
		configF     = flag.String("config", "", "Path to a YAML config file")
		deviceF     = flag.String("device-id", "", "Device identifier (overrides config and DEVICE_ID)")
		backendF    = flag.String("backend", "", "Backend base URL (overrides config and BACKEND_URL)")
		sourceF     = flag.String("source", "", "Camera device, URL or directory (overrides config)")
		statusAddrF = flag.String("status-addr", "", "Local status server address, e.g. :8090")
		pollingF    = flag.Bool("polling", false, "Never attempt the persistent socket")
		dbgF        = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	fatal := log.New(os.Stderr, "[defectcam] ", log.Ltime)

	cfg, err := config.Load(*configF)
	if err != nil {
		fatal.Fatalf("%v", err)
	}
	if *deviceF != "" {
		cfg.DeviceID = *deviceF
	}
	if *backendF != "" {
		cfg.Backend.URL = *backendF
	}
	if *sourceF != "" {
		cfg.Camera.Source = *sourceF
	}
	if *statusAddrF != "" {
		cfg.Status.Addr = *statusAddrF
	}
	if *pollingF {
		cfg.Backend.ForcePolling = true
	}
	if *dbgF {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fatal.Fatalf("invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fatal.Fatalf("%v", err)
	}
	logger.Init(level, os.Stderr)
	logger.Info("Main", "Starting device %s (backend %s)", cfg.DeviceID, cfg.Backend.URL)

	m := metrics.New()

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error, 3)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record keeping is optional
	var store *records.Store
	var keeper core.StatusKeeper
	if cfg.Database.Driver != "" {
		store, err = records.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			fatal.Fatalf("failed to open records: %v", err)
		}
		defer store.Close()
		keeper = store
	}

	source, err := capture.Open(cfg.Camera)
	if err != nil {
		fatal.Fatalf("failed to open camera: %v", err)
	}

	detector := detection.NewYOLODetector(detection.YOLOConfig{
		Endpoint:    cfg.Detector.URL,
		Timeout:     cfg.Detector.Timeout,
		JPEGQuality: cfg.Detector.JPEGQuality,
		DrawBoxes:   true,
	})
	{
		hctx, hcancel := context.WithTimeout(ctx, cfg.Detector.Timeout)
		health, err := detector.Health(hctx)
		hcancel()
		if err != nil {
			source.Close()
			fatal.Fatalf("inference server unavailable: %v", err)
		}
		logger.Info("Main", "Inference server ready (model %s)", health.Model)
	}

	tracker, err := dedup.New(cfg.Dedup.Policy, cfg.Dedup.SpatialDist, cfg.Dedup.WindowSize, cfg.Dedup.WindowTTL)
	if err != nil {
		fatal.Fatalf("%v", err)
	}

	ingestor, err := newIngestor(ctx, cfg)
	if err != nil {
		fatal.Fatalf("%v", err)
	}
	uploadOpts := upload.Options{
		Workers:      cfg.Upload.Workers,
		Backlog:      cfg.Upload.Backlog,
		MaxPerMinute: cfg.Upload.MaxPerMinute,
		Quality:      cfg.Upload.JPEGQuality,
		Timeout:      cfg.Upload.Timeout,
		CropToBBox:   cfg.Upload.CropToBBox,
		CropMargin:   cfg.Upload.CropMargin,
		Observer:     m,
	}
	if store != nil {
		uploadOpts.Records = store
	}
	uploads := upload.New(ingestor, uploadOpts)
	uploads.Start(ctx)

	channel, err := transport.New(transport.Options{
		DeviceID:          cfg.DeviceID,
		BaseURL:           cfg.Backend.URL,
		WSURL:             cfg.Backend.WSURL,
		ForcePolling:      cfg.Backend.ForcePolling,
		ConnectTimeout:    cfg.Backend.ConnectTimeout,
		SendTimeout:       cfg.Backend.SendTimeout,
		MaxAttempts:       cfg.Backend.MaxConnectAttempts,
		RetryDelay:        cfg.Backend.RetryDelay,
		ErrorThreshold:    cfg.Backend.ErrorThreshold,
		HeartbeatInterval: cfg.Backend.HeartbeatInterval,
		OnModeChange:      m.ModeChanged,
	})
	if err != nil {
		fatal.Fatalf("%v", err)
	}
	if err := channel.Connect(ctx); err != nil {
		logger.Warn("Main", "Backend unreachable, starting offline: %v", err)
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()

	dispatcher := dispatch.New(channel, dispatch.Options{
		FrameQueue: cfg.Dispatch.FrameQueue,
		EventQueue: cfg.Dispatch.EventQueue,
		Observer:   m,
		Bus:        bus,
	})
	dispatcher.Start(ctx)

	commands := []<-chan pipeline.Command{channel.Commands()}

	var mirror *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mirror = emitter.NewMQTTEmitter(emitter.Options{
			Broker:      cfg.MQTT.Broker,
			DeviceID:    cfg.DeviceID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		mctx, mcancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mirror.Connect(mctx); err != nil {
			logger.Warn("Main", "MQTT broker unavailable, retrying in background: %v", err)
		}
		mcancel()
		commands = append(commands, mirror.Commands())

		consume(ctx, &wg, bus, cfg.Dispatch.EventQueue, mirror)
	}

	// Local preview is served only with the status server
	var preview *stream.Broadcaster
	var previewSink core.PreviewSink
	if cfg.Status.Addr != "" {
		preview = stream.NewBroadcaster()
		previewSink = preview
	}

	loop := core.New(core.Deps{
		Source:     source,
		Detector:   detector,
		Tracker:    tracker,
		Channel:    channel,
		Dispatcher: dispatcher,
		Uploads:    uploads,
		Records:    keeper,
		Metrics:    m,
		Preview:    previewSink,
		Commands:   commands,
	}, core.Options{
		DeviceID:          cfg.DeviceID,
		MinConfidence:     float32(cfg.Dedup.MinConfidence),
		FrameInterval:     cfg.Loop.FrameInterval,
		ReconnectEvery:    cfg.Loop.ReconnectEvery,
		InferWhilePaused:  cfg.Loop.InferWhilePaused,
		DetectionCooldown: cfg.Loop.DetectionCooldown,
		StatusInterval:    cfg.Loop.StatusInterval,
		PreviewQuality:    cfg.Dispatch.PreviewQuality,
		ShowFPS:           cfg.Detector.ShowFPS,
		JoinTimeout:       cfg.Dispatch.JoinTimeout,
	})

	if cfg.Status.Addr != "" {
		hub := ws.NewHub()
		defer hub.Close()
		consume(ctx, &wg, bus, cfg.Dispatch.EventQueue, hub)

		reporter := status.ReporterFunc(func() any {
			return deviceStatus{
				DeviceID:  cfg.DeviceID,
				Loop:      loop.Status(),
				Session:   channel.Session(),
				Dispatch:  dispatcher.Stats(),
				Uploads:   uploads.Stats(),
				Capture:   source.Stats(),
				Dedup:     string(tracker.Policy()),
				Ingestor:  ingestor.Name(),
				MQTT:      mqttStats(mirror),
				Live:      hub.ClientCount() + preview.ClientCount(),
				Timestamp: time.Now().UTC(),
			}
		})
		handler := status.NewHandler(reporter, status.Routes{
			Metrics:  m.Handler(),
			Live:     ws.NewHandler(hub),
			Stream:   preview,
			Snapshot: stream.NewSnapshotHandler(preview),
		})
		if cfg.Status.TokenSecret != "" {
			handler = middleware.RequireToken(cfg.Status.TokenSecret, "/health")(handler)
		}
		handleHTTPServer(ctx, cfg.Status.Addr, handler, &wg, errc)
	}

	runDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(runDone)
		errc <- loop.Run(ctx)
	}()

	logger.Info("Main", "Exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()
	// Run shuts the loop down on its way out. The dispatcher drain and
	// accepted uploads do not depend on ctx.
	<-runDone

	if !uploads.Wait(cfg.Dispatch.JoinTimeout) {
		logger.Warn("Main", "Abandoning %d queued uploads", uploads.Stats().Backlog)
	}
	if mirror != nil {
		mirror.Disconnect()
	}

	wg.Wait()
	logger.Info("Main", "Exited")
}

// deviceStatus is the /status document
type deviceStatus struct {
	DeviceID  string                `json:"device_id"`
	Loop      core.Status           `json:"loop"`
	Session   transport.Session     `json:"session"`
	Dispatch  dispatch.Stats        `json:"dispatch"`
	Uploads   upload.Stats          `json:"uploads"`
	Capture   pipeline.CaptureStats `json:"capture"`
	Dedup     string                `json:"dedup_policy"`
	Ingestor  string                `json:"ingestor"`
	MQTT      *emitter.Stats        `json:"mqtt,omitempty"`
	Live      int                   `json:"live_clients"`
	Timestamp time.Time             `json:"timestamp"`
}

// consume feeds bus events to handler on its own goroutine. Both the MQTT
// mirror and the live feed block on network writes, so neither may run on
// the dispatcher's event worker.
func consume(ctx context.Context, wg *sync.WaitGroup, bus *pipeline.EventBus, buffer int, handler pipeline.DefectEventHandler) {
	events, unsubscribe := bus.SubscribeChannel(buffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				handler.OnDefectEvent(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func mqttStats(e *emitter.MQTTEmitter) *emitter.Stats {
	if e == nil {
		return nil
	}
	st := e.Stats()
	return &st
}

// newIngestor builds the snapshot store selected by upload.backend
func newIngestor(ctx context.Context, cfg *config.Config) (upload.Ingestor, error) {
	switch cfg.Upload.Backend {
	case "http":
		var tokens upload.TokenSource = auth.StaticToken(cfg.Upload.Token)
		if cfg.Upload.TokenSecret != "" {
			mgr, err := auth.NewDeviceTokenManager(cfg.Upload.TokenSecret, cfg.DeviceID, cfg.Upload.TokenTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to create token manager: %w", err)
			}
			tokens = mgr
		}
		return upload.NewHTTPIngestor(cfg.Upload.URL, tokens, cfg.Upload.Timeout), nil

	case "s3":
		s3 := cfg.Upload.S3
		store, err := upload.NewObjectStoreIngestor(upload.S3Options{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			Secure:    s3.Secure,
		})
		if err != nil {
			return nil, err
		}
		bctx, bcancel := context.WithTimeout(ctx, cfg.Upload.Timeout)
		defer bcancel()
		if err := store.EnsureBucket(bctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return upload.DiscardIngestor{}, nil
}
