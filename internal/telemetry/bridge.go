// Package telemetry republishes bus events to an MQTT broker for remote monitoring.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qosAtLeastOnce = byte(1)
	qosAtMostOnce  = byte(0)
	outboxSize     = 64
)

var (
	ErrMissingBroker = errors.New("telemetry: broker is required")
	ErrNotConnected  = errors.New("telemetry: not connected")
)

// Publisher is the part of an MQTT client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON envelope published per event.
type Message struct {
	Event     events.Name    `json:"event"`
	EmittedAt time.Time      `json:"emitted_at"`
	ClientID  string         `json:"client_id"`
	Payload   events.Payload `json:"payload"`
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Publisher   Publisher
	TopicPrefix string
	ClientID    string
	Logger      *zap.Logger
}

type outgoing struct {
	topic string
	qos   byte
	body  []byte
}

// Bridge forwards events as "<prefix>/<client id>/<event>" messages. Emitters never wait on
// the broker: messages are queued and dropped when the outbox is full.
type Bridge struct {
	publisher   Publisher
	topicPrefix string
	clientID    string
	logger      *zap.Logger

	mu            sync.Mutex
	bus           *events.Bus
	subscriptions []events.Subscription
	outbox        chan outgoing
	done          chan struct{}
	published     uint64
	failures      uint64
}

// NewBridge constructs a bridge on an already connected publisher.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Publisher == nil {
		return nil, ErrNotConnected
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		prefix = "jukebox"
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "jukebox-kiosk"
	}
	return &Bridge{
		publisher:   cfg.Publisher,
		topicPrefix: prefix,
		clientID:    clientID,
		logger:      logger,
	}, nil
}

// Topic returns the topic used for name.
func (b *Bridge) Topic(name events.Name) string {
	return fmt.Sprintf("%s/%s/%s", b.topicPrefix, b.clientID, name)
}

// Attach subscribes the bridge to every event except the admin-only ones.
func (b *Bridge) Attach(bus *events.Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range events.Catalog {
		if name == events.NameAdminAccess || name == events.NameAPIKeyRotated {
			continue
		}
		subscription, err := bus.Subscribe(name, b.forward)
		if err != nil {
			bus.Unsubscribe(b.subscriptions...)
			b.subscriptions = nil
			return err
		}
		b.subscriptions = append(b.subscriptions, subscription)
	}
	b.bus = bus
	b.outbox = make(chan outgoing, outboxSize)
	b.done = make(chan struct{})
	go b.drain(b.outbox, b.done)
	return nil
}

// Detach removes the bus subscriptions and waits for queued messages to be published.
func (b *Bridge) Detach() {
	b.mu.Lock()
	if b.bus == nil {
		b.mu.Unlock()
		return
	}
	b.bus.Unsubscribe(b.subscriptions...)
	b.subscriptions = nil
	b.bus = nil
	outbox, done := b.outbox, b.done
	b.outbox = nil
	b.mu.Unlock()

	close(outbox)
	<-done
}

// Stats reports published and failed message counts.
func (b *Bridge) Stats() (published, failures uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.failures
}

func (b *Bridge) forward(event events.Event) error {
	body, err := json.Marshal(Message{
		Event:     event.Name,
		EmittedAt: event.EmittedAt,
		ClientID:  b.clientID,
		Payload:   event.Payload,
	})
	if err != nil {
		b.recordFailure()
		return fmt.Errorf("telemetry: marshal %s: %w", event.Name, err)
	}
	message := outgoing{topic: b.Topic(event.Name), qos: qosFor(event.Name), body: body}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outbox == nil {
		return nil
	}
	select {
	case b.outbox <- message:
	default:
		b.failures++
		b.logger.Warn("telemetry outbox full, dropping message", zap.String("topic", message.topic))
	}
	return nil
}

func (b *Bridge) drain(outbox <-chan outgoing, done chan<- struct{}) {
	defer close(done)
	for message := range outbox {
		if err := b.publish(message); err != nil {
			b.recordFailure()
			b.logger.Warn("telemetry publish failed", zap.String("topic", message.topic), zap.Error(err))
			continue
		}
		b.mu.Lock()
		b.published++
		b.mu.Unlock()
	}
}

func (b *Bridge) publish(message outgoing) error {
	token := b.publisher.Publish(message.topic, message.qos, false, message.body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("telemetry: publish %s timed out", message.topic)
	}
	return token.Error()
}

func (b *Bridge) recordFailure() {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

// qosFor delivers money and fault events at least once. Diagnostics are best effort.
func qosFor(name events.Name) byte {
	switch name {
	case events.NameSystemLog, events.NameError:
		return qosAtMostOnce
	default:
		return qosAtLeastOnce
	}
}

// Connect dials broker ("host:port") with automatic reconnection and returns the client.
func Connect(ctx context.Context, broker, clientID string, logger *zap.Logger) (mqtt.Client, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return nil, ErrMissingBroker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := mqtt.NewClientOptions()
	if strings.Contains(broker, "://") {
		opts.AddBroker(broker)
	} else {
		opts.AddBroker("tcp://" + broker)
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", zap.String("broker", broker), zap.String("client_id", clientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	timeout := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("telemetry: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}
	return client, nil
}
