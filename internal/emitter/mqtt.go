// Package emitter mirrors defect events to an MQTT broker and accepts
// remote control commands on a device topic.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
	"defectcam/internal/transport"
)

const logTag = "MQTT"

// Options configures an MQTTEmitter
type Options struct {
	Broker        string // host:port or full URL
	DeviceID      string
	TopicPrefix   string
	QoS           byte
	CommandBuffer int
}

// MQTTEmitter publishes defect events and device presence to a broker
type MQTTEmitter struct {
	opts   Options
	Client mqtt.Client

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool

	commands chan pipeline.Command
}

// statusMessage is the retained presence payload
type statusMessage struct {
	DeviceID  string `json:"device_id"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTEmitter creates an emitter; call Connect before publishing
func NewMQTTEmitter(opts Options) *MQTTEmitter {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "defectcam"
	}
	if opts.CommandBuffer < 1 {
		opts.CommandBuffer = 8
	}
	return &MQTTEmitter{
		opts:      opts,
		newClient: mqtt.NewClient,
		commands:  make(chan pipeline.Command, opts.CommandBuffer),
	}
}

func (e *MQTTEmitter) topic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", e.opts.TopicPrefix, e.opts.DeviceID, leaf)
}

// DefectsTopic receives every mirrored event
func (e *MQTTEmitter) DefectsTopic() string { return e.topic("defects") }

// StatusTopic holds the retained online/offline state
func (e *MQTTEmitter) StatusTopic() string { return e.topic("status") }

// ControlTopic is subscribed for start/stop/pause/resume
func (e *MQTTEmitter) ControlTopic() string { return e.topic("control") }

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func (e *MQTTEmitter) statusPayload(online bool) []byte {
	data, _ := json.Marshal(statusMessage{
		DeviceID:  e.opts.DeviceID,
		Online:    online,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// Connect establishes the broker connection with an offline last will
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.opts.Broker))
	opts.SetClientID("defectcam-" + e.opts.DeviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(e.StatusTopic(), e.statusPayload(false), e.opts.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		logger.Info(logTag, "Connected to %s", e.opts.Broker)

		// Subscriptions and presence are lost with the session
		c.Subscribe(e.ControlTopic(), e.opts.QoS, e.handleControl)
		c.Publish(e.StatusTopic(), e.opts.QoS, true, e.statusPayload(true))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		logger.Warn(logTag, "Connection lost, will auto-reconnect: %v", err)
	}

	e.Client = e.newClient(opts)

	logger.Info(logTag, "Connecting to %s", e.opts.Broker)
	token := e.Client.Connect()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// OnDefectEvent implements pipeline.DefectEventHandler
func (e *MQTTEmitter) OnDefectEvent(event *pipeline.DefectEvent) {
	if err := e.Publish(*event); err != nil {
		logger.Debug(logTag, "Mirror of %s dropped: %v", event.Label, err)
	}
}

// Publish sends one event to the defects topic
func (e *MQTTEmitter) Publish(event pipeline.DefectEvent) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := transport.EncodeEvent(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(e.DefectsTopic(), e.opts.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	return nil
}

func (e *MQTTEmitter) handleControl(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := transport.DecodeControl(msg.Payload())
	if err != nil {
		logger.Info(logTag, "Ignoring control message on %s: %v", msg.Topic(), err)
		return
	}
	select {
	case e.commands <- cmd:
		logger.Info(logTag, "Received command: %s", cmd)
	default:
		logger.Warn(logTag, "Command buffer full, dropping %s", cmd)
	}
}

// Commands delivers remote control commands
func (e *MQTTEmitter) Commands() <-chan pipeline.Command {
	return e.commands
}

// Disconnect announces offline and closes the connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		token := e.Client.Publish(e.StatusTopic(), e.opts.QoS, true, e.statusPayload(false))
		token.WaitTimeout(time.Second)
		e.Client.Disconnect(250)
		logger.Info(logTag, "Disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

var _ pipeline.DefectEventHandler = (*MQTTEmitter)(nil)
