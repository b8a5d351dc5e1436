package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
)

const (
	AudiencePublic = "public"
	AudienceAdmin  = "admin"

	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceKiosk    = "jukebox-kiosk"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one bus event addressed to an audience.
type RealtimeMessage struct {
	Audience  string
	EventType string
	Payload   events.Payload
	Timestamp time.Time
}

type RealtimeDispatcher struct {
	mu            sync.RWMutex
	subscribers   map[string]map[int64]*realtimeSubscriber
	nextID        int64
	bufferSize    int
	bus           *events.Bus
	subscriptions []events.Subscription
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Attach fans every bus event out to the admin audience and the public-safe ones to the public audience.
func (d *RealtimeDispatcher) Attach(bus *events.Bus) error {
	subscriptions, err := bus.SubscribeAll(func(event events.Event) error {
		message := RealtimeMessage{
			Audience:  AudienceAdmin,
			EventType: string(event.Name),
			Payload:   event.Payload,
			Timestamp: event.EmittedAt,
		}
		d.Publish(message)
		if publicEvent(event.Name) {
			message.Audience = AudiencePublic
			d.Publish(message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.bus = bus
	d.subscriptions = subscriptions
	d.mu.Unlock()
	return nil
}

// Detach stops receiving bus events.
func (d *RealtimeDispatcher) Detach() {
	d.mu.Lock()
	bus, subscriptions := d.bus, d.subscriptions
	d.bus, d.subscriptions = nil, nil
	d.mu.Unlock()
	if bus != nil {
		bus.Unsubscribe(subscriptions...)
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, audience string) (<-chan RealtimeMessage, func()) {
	if audience != AudiencePublic && audience != AudienceAdmin {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(audience, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(audience, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish never blocks: slow subscribers miss messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Audience == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Audience]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of audience.
func (d *RealtimeDispatcher) SubscriberCount(audience string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[audience])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(audience string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[audience]; !ok {
		d.subscribers[audience] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[audience][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(audience string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[audience]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, audience)
		}
	}
	d.mu.Unlock()
}

func publicEvent(name events.Name) bool {
	return name != events.NameAdminAccess && name != events.NameAPIKeyRotated
}

type realtimeEnvelope struct {
	Event     string         `json:"event"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   events.Payload `json:"payload,omitempty"`
}

func envelopeFor(message RealtimeMessage) realtimeEnvelope {
	return realtimeEnvelope{
		Event:     message.EventType,
		Source:    realtimeSourceKiosk,
		Timestamp: message.Timestamp.UTC(),
		Payload:   message.Payload,
	}
}
