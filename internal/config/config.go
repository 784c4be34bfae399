package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration of one device process
type Config struct {
	DeviceID string `yaml:"device_id"`
	LogLevel string `yaml:"log_level"`

	Backend  BackendConfig  `yaml:"backend"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Upload   UploadConfig   `yaml:"upload"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Status   StatusConfig   `yaml:"status"`
	Loop     LoopConfig     `yaml:"loop"`
}

// BackendConfig configures the control/data channel to the backend
type BackendConfig struct {
	URL                string        `yaml:"url"`
	WSURL              string        `yaml:"ws_url"` // derived from URL when empty
	ForcePolling       bool          `yaml:"force_polling"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ErrorThreshold     int           `yaml:"error_threshold"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
}

// CameraConfig selects and sizes the frame source
type CameraConfig struct {
	Kind   string `yaml:"kind"`   // ffmpeg, http, dir
	Source string `yaml:"source"` // device path, URL or directory
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// DetectorConfig points at the inference server
type DetectorConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	ShowFPS     bool          `yaml:"show_fps"`
}

// DedupConfig configures spatial deduplication
type DedupConfig struct {
	Policy        string        `yaml:"policy"` // sliding, session
	SpatialDist   float64       `yaml:"spatial_dist"`
	MinConfidence float64       `yaml:"min_confidence"`
	WindowSize    int           `yaml:"window_size"`
	WindowTTL     time.Duration `yaml:"window_ttl"` // 0 disables age eviction
}

// DispatchConfig sizes the preview and event queues
type DispatchConfig struct {
	FrameQueue     int           `yaml:"frame_queue"`
	EventQueue     int           `yaml:"event_queue"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	PreviewQuality int           `yaml:"preview_quality"`
}

// UploadConfig configures defect snapshot ingestion
type UploadConfig struct {
	Backend      string        `yaml:"backend"` // http, s3, none
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	TokenSecret  string        `yaml:"token_secret"` // signs per-device tokens when set
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Workers      int           `yaml:"workers"`
	Backlog      int           `yaml:"backlog"`
	MaxPerMinute int           `yaml:"max_per_minute"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	Timeout      time.Duration `yaml:"timeout"`
	CropToBBox   bool          `yaml:"crop_to_bbox"`
	CropMargin   int           `yaml:"crop_margin"`
	S3           S3Config      `yaml:"s3"`
}

// S3Config is used when Upload.Backend is "s3"
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// DatabaseConfig configures the defect record store; empty driver disables it
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, pgx
	DSN    string `yaml:"dsn"`
}

// MQTTConfig enables the optional MQTT mirror when Broker is set
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// StatusConfig configures the local status server; empty Addr disables it
type StatusConfig struct {
	Addr        string `yaml:"addr"`
	TokenSecret string `yaml:"token_secret"` // requires a bearer device token when set
}

// LoopConfig tunes the main loop
type LoopConfig struct {
	FrameInterval     time.Duration `yaml:"frame_interval"`
	ReconnectEvery    int           `yaml:"reconnect_every"`
	InferWhilePaused  bool          `yaml:"infer_while_paused"`
	DetectionCooldown time.Duration `yaml:"detection_cooldown"`
	StatusInterval    time.Duration `yaml:"status_interval"`
}

// Default returns a configuration with the stock device settings
func Default() *Config {
	return &Config{
		DeviceID: "device-" + uuid.NewString()[:8],
		LogLevel: "info",
		Backend: BackendConfig{
			URL:                "http://localhost:3000",
			ConnectTimeout:     5 * time.Second,
			SendTimeout:        5 * time.Second,
			MaxConnectAttempts: 5,
			RetryDelay:         5 * time.Second,
			ErrorThreshold:     3,
			HeartbeatInterval:  30 * time.Second,
		},
		Camera: CameraConfig{
			Kind:   "ffmpeg",
			Source: "/dev/video0",
			Width:  640,
			Height: 480,
			FPS:    10,
		},
		Detector: DetectorConfig{
			URL:         "http://localhost:8000",
			Timeout:     10 * time.Second,
			JPEGQuality: 85,
			ShowFPS:     true,
		},
		Dedup: DedupConfig{
			Policy:        "sliding",
			SpatialDist:   50,
			MinConfidence: 0.5,
			WindowSize:    15,
		},
		Dispatch: DispatchConfig{
			FrameQueue:     3,
			EventQueue:     10,
			JoinTimeout:    2 * time.Second,
			PreviewQuality: 50,
		},
		Upload: UploadConfig{
			Backend:      "http",
			TokenTTL:     10 * time.Minute,
			Workers:      2,
			Backlog:      8,
			MaxPerMinute: 60,
			JPEGQuality:  80,
			Timeout:      15 * time.Second,
			CropMargin:   20,
			S3: S3Config{
				Bucket: "defects",
			},
		},
		MQTT: MQTTConfig{
			TopicPrefix: "defectcam",
			QoS:         1,
		},
		Loop: LoopConfig{
			FrameInterval:  300 * time.Millisecond,
			ReconnectEvery: 30,
			StatusInterval: 30 * time.Second,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Upload.Backend == "http" && cfg.Upload.URL == "" {
		cfg.Upload.URL = strings.TrimRight(cfg.Backend.URL, "/") + "/api/device/defects"
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	envString("DEVICE_ID", &c.DeviceID)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("BACKEND_URL", &c.Backend.URL)
	envString("WS_URL", &c.Backend.WSURL)
	errs = append(errs, envBool("DISABLE_WEBSOCKET", &c.Backend.ForcePolling))
	envString("CAMERA_KIND", &c.Camera.Kind)
	envString("CAMERA_SOURCE", &c.Camera.Source)
	envString("INFERENCE_URL", &c.Detector.URL)
	errs = append(errs,
		envFloat("MIN_CONFIDENCE", &c.Dedup.MinConfidence),
		envFloat("SPATIAL_DIST", &c.Dedup.SpatialDist),
		envInt("MAX_UPLOADS_PER_MIN", &c.Upload.MaxPerMinute),
		envDuration("FRAME_INTERVAL", &c.Loop.FrameInterval),
	)
	envString("DEDUP_POLICY", &c.Dedup.Policy)
	envString("UPLOAD_URL", &c.Upload.URL)
	envString("DEVICE_TOKEN", &c.Upload.Token)
	envString("DEVICE_TOKEN_SECRET", &c.Upload.TokenSecret)
	envString("S3_ENDPOINT", &c.Upload.S3.Endpoint)
	envString("S3_ACCESS_KEY", &c.Upload.S3.AccessKey)
	envString("S3_SECRET_KEY", &c.Upload.S3.SecretKey)
	envString("S3_BUCKET", &c.Upload.S3.Bucket)
	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("DATABASE_DSN", &c.Database.DSN)
	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("STATUS_ADDR", &c.Status.Addr)
	envString("STATUS_TOKEN_SECRET", &c.Status.TokenSecret)

	return errors.Join(errs...)
}

// Validate rejects configurations the device cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.MaxConnectAttempts < 1 {
		errs = append(errs, errors.New("backend.max_connect_attempts must be at least 1"))
	}
	if c.Backend.ErrorThreshold < 1 {
		errs = append(errs, errors.New("backend.error_threshold must be at least 1"))
	}
	switch c.Camera.Kind {
	case "ffmpeg", "http", "dir":
	default:
		errs = append(errs, fmt.Errorf("unknown camera.kind %q", c.Camera.Kind))
	}
	if c.Camera.Source == "" {
		errs = append(errs, errors.New("camera.source is required"))
	}
	if c.Detector.URL == "" {
		errs = append(errs, errors.New("detector.url is required"))
	}
	if c.Dedup.MinConfidence < 0 || c.Dedup.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("dedup.min_confidence %.2f out of range [0,1]", c.Dedup.MinConfidence))
	}
	if c.Dedup.SpatialDist < 0 {
		errs = append(errs, errors.New("dedup.spatial_dist must not be negative"))
	}
	switch c.Dedup.Policy {
	case "sliding":
		if c.Dedup.WindowSize < 1 {
			errs = append(errs, errors.New("dedup.window_size must be at least 1"))
		}
	case "session":
	default:
		errs = append(errs, fmt.Errorf("unknown dedup.policy %q", c.Dedup.Policy))
	}
	if c.Dispatch.FrameQueue < 1 || c.Dispatch.EventQueue < 1 {
		errs = append(errs, errors.New("dispatch queue capacities must be positive"))
	}
	if !validQuality(c.Dispatch.PreviewQuality) || !validQuality(c.Upload.JPEGQuality) {
		errs = append(errs, errors.New("jpeg quality must be within 1..100"))
	}
	switch c.Upload.Backend {
	case "http":
		if c.Upload.URL == "" {
			errs = append(errs, errors.New("upload.url is required for the http backend"))
		}
	case "s3":
		if c.Upload.S3.Endpoint == "" || c.Upload.S3.Bucket == "" {
			errs = append(errs, errors.New("upload.s3.endpoint and upload.s3.bucket are required for the s3 backend"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown upload.backend %q", c.Upload.Backend))
	}
	if c.Upload.Workers < 1 || c.Upload.Backlog < 1 || c.Upload.MaxPerMinute < 1 {
		errs = append(errs, errors.New("upload workers, backlog and max_per_minute must be positive"))
	}
	switch c.Database.Driver {
	case "", "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when a driver is set"))
	}
	if c.Loop.ReconnectEvery < 1 {
		errs = append(errs, errors.New("loop.reconnect_every must be at least 1"))
	}

	return errors.Join(errs...)
}

func validQuality(q int) bool {
	return q >= 1 && q <= 100
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

// envDuration accepts Go durations ("300ms") or plain seconds ("0.3")
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}
