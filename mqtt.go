package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT topics below the configured prefix.
const (
	TopicMO     = "mo"
	TopicMT     = "mt"
	TopicEvents = "events"
)

// mtBacklogSize bounds the MT payloads kept while the broker is unreachable.
const mtBacklogSize = 100

// moRequest is an MO message submitted over MQTT or HTTP. Data carries
// binary content as base64; Message is used when Data is empty.
type moRequest struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

func (r moRequest) payload() []byte {
	if len(r.Data) > 0 {
		return r.Data
	}
	return []byte(r.Message)
}

type enqueuer interface {
	Enqueue(id string, payload []byte) (string, error)
}

// Bridge connects the gateway to an MQTT broker: MO requests published to
// <prefix>/mo are queued in the outbox, received MT payloads are published
// to <prefix>/mt and every hub event to <prefix>/events.
//
// MT payloads received while the broker is unreachable are kept, up to
// mtBacklogSize, and published once the connection is back. Events are not.
type Bridge struct {
	logger *slog.Logger
	client mqtt.Client
	prefix string
	outbox enqueuer

	mu      sync.Mutex
	backlog [][]byte
}

func NewBridge(config *Config, logger *slog.Logger, outbox enqueuer) *Bridge {
	b := &Bridge{
		logger: logger,
		prefix: config.MQTTTopicPrefix,
		outbox: outbox,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(b.onConnect)

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

// Start connects to the broker and disconnects once ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	t := b.client.Connect()
	if !t.WaitTimeout(15 * time.Second) {
		return errors.New("mqtt connect timed out")
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	go func() {
		<-ctx.Done()
		b.client.Disconnect(500)
	}()
	return nil
}

func (b *Bridge) onConnect(c mqtt.Client) {
	topic := b.topic(TopicMO)
	b.logger.Info("mqtt connected, subscribing", "topic", topic)
	if token := c.Subscribe(topic, 1, b.handleMO); token.Wait() && token.Error() != nil {
		b.logger.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
	}

	b.mu.Lock()
	backlog := b.backlog
	b.backlog = nil
	b.mu.Unlock()

	if len(backlog) > 0 {
		b.logger.Info("mqtt publishing buffered MT messages", "count", len(backlog))
	}
	for _, payload := range backlog {
		b.publish(b.topic(TopicMT), 1, payload)
	}
}

func (b *Bridge) handleMO(_ mqtt.Client, msg mqtt.Message) {
	var req moRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.logger.Warn("mqtt bad payload", "topic", msg.Topic(), "error", err)
		return
	}

	id, err := b.outbox.Enqueue(req.ID, req.payload())
	if err != nil {
		b.logger.Warn("mqtt message rejected", "id", req.ID, "error", err)
		return
	}
	b.logger.Info("mqtt message queued", "id", id)
}

// Sink publishes hub events. It is registered with Hub.AddSink and does
// not wait for the broker.
func (b *Bridge) Sink(ev Event) {
	if !b.client.IsConnectionOpen() {
		if ev.Type == EventMessageReceived {
			b.hold(ev.Payload)
		}
		return
	}

	if ev.Type == EventMessageReceived {
		b.publish(b.topic(TopicMT), 1, ev.Payload)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("encode event", "type", ev.Type, "error", err)
		return
	}
	b.publish(b.topic(TopicEvents), 0, data)
}

// hold keeps an MT payload for the next connection. The oldest payload is
// dropped when the backlog is full.
func (b *Bridge) hold(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.backlog) >= mtBacklogSize {
		b.logger.Warn("mqtt backlog full, dropping oldest MT message", "length", len(b.backlog[0]))
		b.backlog = b.backlog[1:]
	}
	b.backlog = append(b.backlog, payload)
	b.logger.Warn("mqtt not connected, MT message buffered", "length", len(payload), "buffered", len(b.backlog))
}

func (b *Bridge) publish(topic string, qos byte, payload []byte) {
	t := b.client.Publish(topic, qos, false, payload)
	go func() {
		if t.Wait() && t.Error() != nil {
			b.logger.Warn("mqtt publish failed", "topic", topic, "error", t.Error())
		}
	}()
}
