// Package mirror republishes positioner statuses to an MQTT broker so
// other bench tools can follow the rig without a websocket session.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/RangePano/internal/config"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client the mirror uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect opens a client to cfg.Broker with automatic reconnection.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		debug.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		debug.Warn("mqtt connection lost, reconnecting", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Mirror queues statuses from the hub and publishes them from Run, so a
// slow broker never holds up hub delivery. State and init statuses are
// retained on <topic>/state and <topic>/init; anything else goes to
// <topic>/event.
type Mirror struct {
	client  Publisher
	topic   string
	queue   chan device.Status
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// New creates a mirror with room for depth pending statuses.
func New(client Publisher, topic string, depth int) *Mirror {
	if depth <= 0 {
		depth = 64
	}
	return &Mirror{client: client, topic: topic, queue: make(chan device.Status, depth)}
}

// HandleStatus enqueues st, dropping it when the queue is full.
func (m *Mirror) HandleStatus(st device.Status) {
	select {
	case m.queue <- st:
	default:
		m.dropped.Add(1)
		debug.Trace("mqtt queue full, status dropped", "message", st.Message)
	}
}

// Run publishes queued statuses until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-m.queue:
			if err := m.publish(st); err != nil {
				debug.Error("mqtt publish", err, "message", st.Message)
			}
		}
	}
}

func (m *Mirror) topicFor(st device.Status) (string, bool) {
	switch st.Kind() {
	case device.KindState:
		return m.topic + "/state", true
	case device.KindInit:
		return m.topic + "/init", true
	default:
		return m.topic + "/event", false
	}
}

func (m *Mirror) publish(st device.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	topic, retained := m.topicFor(st)
	token := m.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.sent.Add(1)
	debug.Trace("status mirrored", "topic", topic, "bytes", len(payload))
	return nil
}

// Stats reports published and dropped counts.
func (m *Mirror) Stats() (sent, dropped uint64) {
	return m.sent.Load(), m.dropped.Load()
}
