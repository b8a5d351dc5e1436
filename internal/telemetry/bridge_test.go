package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	token := &fakeToken{err: err, done: make(chan struct{})}
	close(token.done)
	return token
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return completedToken(p.err)
}

func TestBridgeForwardsPublicEvents(t *testing.T) {
	bus := events.New(events.Config{Clock: func() time.Time { return time.Unix(1_700_000_000, 0) }})
	publisher := &fakePublisher{}
	bridge, err := NewBridge(BridgeConfig{Publisher: publisher, TopicPrefix: "/venue/", ClientID: "kiosk-7"})
	if err != nil {
		t.Fatalf("unexpected bridge error: %v", err)
	}
	if err := bridge.Attach(bus); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	bus.Emit(events.CreditsAdded{Amount: 3, Total: 3, Source: "coin-acceptor"})
	bus.Emit(events.SystemLog{Level: "info", Source: "kiosk", Message: "hello"})
	bus.Emit(events.APIKeyRotated{Fingerprint: "abc"})
	bus.Emit(events.AdminAccess{Subject: "admin", Granted: true})
	bridge.Detach()

	if len(publisher.messages) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(publisher.messages))
	}
	first := publisher.messages[0]
	if first.topic != "venue/kiosk-7/credits-added" || first.qos != 1 {
		t.Fatalf("unexpected first message %+v", first)
	}
	if publisher.messages[1].qos != 0 {
		t.Fatalf("expected best-effort qos for system-log")
	}

	var decoded struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(first.payload, &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	var payload events.CreditsAdded
	if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("unexpected payload decode error: %v", err)
	}
	if decoded.Event != "credits-added" || payload.Total != 3 {
		t.Fatalf("unexpected envelope %s", first.payload)
	}
	if sent, failed := bridge.Stats(); sent != 2 || failed != 0 {
		t.Fatalf("unexpected stats sent=%d failed=%d", sent, failed)
	}

	bus.Emit(events.SystemReset{Reason: "x"})
	if publisher.count() != 2 {
		t.Fatalf("expected no publish after detach")
	}
}

func TestBridgeCountsFailures(t *testing.T) {
	bus := events.New(events.Config{})
	publisher := &fakePublisher{err: errors.New("broker gone")}
	bridge, err := NewBridge(BridgeConfig{Publisher: publisher})
	if err != nil {
		t.Fatalf("unexpected bridge error: %v", err)
	}
	if err := bridge.Attach(bus); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	bus.Emit(events.HardwareError{Source: "coin-acceptor", Code: "connection_lost"})
	bridge.Detach()

	if _, failed := bridge.Stats(); failed != 1 {
		t.Fatalf("expected 1 failure, got %d", failed)
	}
	if publisher.messages[0].topic != "jukebox/jukebox-kiosk/hardware-error" {
		t.Fatalf("unexpected default topic %q", publisher.messages[0].topic)
	}
}

func TestNewBridgeRequiresPublisher(t *testing.T) {
	if _, err := NewBridge(BridgeConfig{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
