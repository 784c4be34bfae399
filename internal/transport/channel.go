package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

const logTag = "Transport"

var (
	ErrDisconnected = errors.New("transport disconnected")
	ErrClosed       = errors.New("transport closed")
)

// Mode is the active delivery mode of the channel
type Mode int32

const (
	ModeDisconnected Mode = iota
	ModePersistent
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModePolling:
		return "polling"
	default:
		return "disconnected"
	}
}

// Session is a snapshot of the connection state
type Session struct {
	Mode              Mode      `json:"mode"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	Connects          uint64    `json:"connects"`
}

// Conn is the subset of *websocket.Conn the channel uses
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens a persistent connection
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Options configures a Channel
type Options struct {
	DeviceID          string
	BaseURL           string // http(s)://host[:port]
	WSURL             string // derived from BaseURL when empty
	ForcePolling      bool
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	ErrorThreshold    int
	HeartbeatInterval time.Duration
	CommandBuffer     int

	// Dial overrides the websocket dialer
	Dial DialFunc
	// HTTPClient overrides the polling client
	HTTPClient *http.Client
	// OnModeChange is called after every mode transition, outside the lock
	OnModeChange func(from, to Mode)
}

// Channel delivers frames and defect events to the backend over a persistent
// websocket, falling back to HTTP polling when the socket is unavailable or flaky.
type Channel struct {
	opts   Options
	client *http.Client
	dial   DialFunc
	wsURL  string

	// mu guards mode and conn as one unit, plus the session counters
	mu            sync.Mutex
	mode          Mode
	conn          Conn
	gen           uint64 // incremented whenever conn is replaced
	errCount      int
	lastHeartbeat time.Time
	connects      uint64

	// writeMu serializes writers on the current conn
	writeMu sync.Mutex

	connecting atomic.Bool
	commands   chan pipeline.Command

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a disconnected channel
func New(opts Options) (*Channel, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("backend url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.ErrorThreshold < 1 {
		opts.ErrorThreshold = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = 8
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	wsURL := opts.WSURL
	if wsURL == "" {
		derived, err := DeriveWSURL(opts.BaseURL)
		if err != nil {
			return nil, err
		}
		wsURL = derived
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.SendTimeout}
	}

	dial := opts.Dial
	if dial == nil {
		dial = websocketDialer(opts.ConnectTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		opts:     opts,
		client:   client,
		dial:     dial,
		wsURL:    wsURL,
		commands: make(chan pipeline.Command, opts.CommandBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// DeriveWSURL maps http(s)://host to ws(s)://host/ws
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid backend url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func websocketDialer(timeout time.Duration) DialFunc {
	d := &websocket.Dialer{
		HandshakeTimeout: timeout,
		WriteBufferSize:  256 * 1024, // base64 encoded JPEG frames
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connect establishes a session, retrying up to MaxAttempts with a fixed
// delay. On exhaustion the channel stays disconnected and an error is returned;
// callers keep running in offline mode.
func (c *Channel) Connect(ctx context.Context) error {
	if !c.connecting.CompareAndSwap(false, true) {
		return errors.New("connect already in progress")
	}
	defer c.connecting.Store(false)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn(logTag, "Connect attempt %d/%d failed: %v", attempt, c.opts.MaxAttempts, lastErr)

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}

	c.setMode(ModeDisconnected)
	logger.Error(logTag, "Giving up after %d attempts, continuing offline", c.opts.MaxAttempts)
	return fmt.Errorf("failed to connect after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

// EnsureConnected starts one background connect attempt if the channel is
// disconnected and no attempt is running. It never blocks.
func (c *Channel) EnsureConnected() {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.mode != ModeDisconnected || !c.connecting.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.connecting.Store(false)

		ctx, cancel := context.WithTimeout(c.ctx, 2*c.opts.ConnectTimeout+c.opts.SendTimeout)
		defer cancel()

		if err := c.connectOnce(ctx); err != nil {
			logger.Warn(logTag, "Reconnect failed: %v", err)
			return
		}
		logger.Info(logTag, "Reconnected (%s)", c.Mode())
	}()
}

// connectOnce tries the persistent transport and falls back to polling registration
func (c *Channel) connectOnce(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	if !c.opts.ForcePolling {
		err := c.connectPersistent(ctx)
		if err == nil {
			return nil
		}
		logger.Warn(logTag, "Persistent connect to %s failed, trying polling fallback: %v", c.wsURL, err)
	}

	return c.connectPolling(ctx)
}

func (c *Channel) connectPersistent(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("x-device-id", c.opts.DeviceID)

	conn, err := c.dial(dialCtx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	reg, err := json.Marshal(NewRegisterMessage(c.opts.DeviceID))
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		conn.Close()
		return fmt.Errorf("failed to register: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old := c.conn
	from := c.mode
	c.gen++
	gen := c.gen
	c.conn = conn
	c.mode = ModePersistent
	c.errCount = 0
	c.lastHeartbeat = time.Now()
	c.connects++
	c.wg.Add(2)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.notify(from, ModePersistent)

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)

	logger.Info(logTag, "Connected persistent channel to %s as %s", c.wsURL, c.opts.DeviceID)
	return nil
}

func (c *Channel) connectPolling(ctx context.Context) error {
	if err := c.post(ctx, PathRegister, RegisterBody{DeviceID: c.opts.DeviceID}); err != nil {
		return fmt.Errorf("failed to register via polling: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	from := c.mode
	old := c.conn
	c.conn = nil
	c.gen++
	c.mode = ModePolling
	c.errCount = 0
	c.connects++
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.notify(from, ModePolling)

	logger.Info(logTag, "Connected in polling mode to %s as %s", c.opts.BaseURL, c.opts.DeviceID)
	return nil
}

// SendFrame delivers one JPEG preview frame over the active mode
func (c *Channel) SendFrame(ctx context.Context, jpeg []byte) error {
	now := time.Now()
	return c.send(ctx, "frame",
		func() ([]byte, error) { return json.Marshal(NewFrameMessage(c.opts.DeviceID, jpeg, now)) },
		PathFrames,
		func() any { return FrameBody{Frame: base64.StdEncoding.EncodeToString(jpeg)} },
	)
}

// SendEvent delivers one defect event over the active mode
func (c *Channel) SendEvent(ctx context.Context, event pipeline.DefectEvent) error {
	return c.send(ctx, "event",
		func() ([]byte, error) { return EncodeEvent(event) },
		PathDetections,
		func() any {
			msg := NewDetectionMessage(event)
			return DetectionsBody{Detections: []DetectionMessage{*msg}, Timestamp: msg.Timestamp}
		},
	)
}

// send routes one message by the current mode. It does not retry.
func (c *Channel) send(ctx context.Context, kind string, persistent func() ([]byte, error), path string, polling func() any) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.Lock()
	mode, conn, gen := c.mode, c.conn, c.gen
	c.mu.Unlock()

	switch mode {
	case ModePersistent:
		data, err := persistent()
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", kind, err)
		}
		if err := c.write(conn, websocket.TextMessage, data); err != nil {
			c.recordFailure(gen, err)
			return fmt.Errorf("failed to send %s: %w", kind, err)
		}
		c.recordSuccess(gen)
		return nil

	case ModePolling:
		if err := c.post(ctx, path, polling()); err != nil {
			return fmt.Errorf("failed to post %s: %w", kind, err)
		}
		return nil

	default:
		c.EnsureConnected()
		return ErrDisconnected
	}
}

func (c *Channel) write(conn Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	return conn.WriteMessage(messageType, data)
}

func (c *Channel) recordSuccess(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.errCount = 0
	}
	c.mu.Unlock()
}

// recordFailure counts a persistent send failure and demotes to polling at the threshold
func (c *Channel) recordFailure(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.mode != ModePersistent {
		c.mu.Unlock()
		return
	}
	c.errCount++
	if c.errCount < c.opts.ErrorThreshold {
		n := c.errCount
		c.mu.Unlock()
		logger.Warn(logTag, "Send failed (%d/%d): %v", n, c.opts.ErrorThreshold, err)
		return
	}

	old := c.conn
	c.conn = nil
	c.gen++
	c.mode = ModePolling
	c.errCount = 0
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logger.Warn(logTag, "Persistent channel failed %d times in a row, switching to polling", c.opts.ErrorThreshold)
	c.notify(ModePersistent, ModePolling)
}

// dropPersistent clears a dead connection so the next send reconnects
func (c *Channel) dropPersistent(gen uint64, reason error) {
	c.mu.Lock()
	if c.gen != gen || c.mode != ModePersistent {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	c.gen++
	c.mode = ModeDisconnected
	c.errCount = 0
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logger.Warn(logTag, "Persistent connection lost: %v", reason)
	c.notify(ModePersistent, ModeDisconnected)
}

func (c *Channel) heartbeatLoop(conn Conn, gen uint64) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(PingMessage{Type: TypePing})

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.isCurrent(gen) {
				return
			}
			err := c.write(conn, websocket.TextMessage, ping)
			if err == nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.SendTimeout))
			}
			if err != nil {
				c.dropPersistent(gen, fmt.Errorf("heartbeat failed: %w", err))
				return
			}
			c.mu.Lock()
			if c.gen == gen {
				c.lastHeartbeat = time.Now()
			}
			c.mu.Unlock()
		}
	}
}

// readLoop parses inbound control messages until the connection ends
func (c *Channel) readLoop(conn Conn, gen uint64) {
	defer c.wg.Done()

	readWait := 2*c.opts.HeartbeatInterval + c.opts.SendTimeout
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && c.isCurrent(gen) {
				c.dropPersistent(gen, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		cmd, err := DecodeControl(data)
		if err != nil {
			logger.Debug(logTag, "Ignoring inbound message: %v", err)
			continue
		}

		select {
		case c.commands <- cmd:
			logger.Info(logTag, "Received command %q", cmd)
		default:
			logger.Warn(logTag, "Command queue full, dropping %q", cmd)
		}
	}
}

func (c *Channel) post(ctx context.Context, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-device-id", c.opts.DeviceID)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Channel) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) setMode(m Mode) {
	c.mu.Lock()
	from := c.mode
	c.mode = m
	c.mu.Unlock()
	c.notify(from, m)
}

func (c *Channel) notify(from, to Mode) {
	if from != to && c.opts.OnModeChange != nil {
		c.opts.OnModeChange(from, to)
	}
}

// Mode returns the active delivery mode
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Session returns a snapshot of the connection state
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		Mode:              c.mode,
		ConsecutiveErrors: c.errCount,
		LastHeartbeat:     c.lastHeartbeat,
		Connects:          c.connects,
	}
}

// Commands returns inbound control commands. The channel is never closed.
func (c *Channel) Commands() <-chan pipeline.Command {
	return c.commands
}

// Close tears down the connection and waits for background goroutines
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		from := c.mode
		c.conn = nil
		c.gen++
		c.mode = ModeDisconnected
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
		c.notify(from, ModeDisconnected)
		c.wg.Wait()
		logger.Info(logTag, "Closed")
	})
	return nil
}
