// Package events implements the in-process publish/subscribe hub that decouples the ledger,
// the coin acceptor and the queue from their observers.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownEvent indicates a subscription for a name outside the catalog.
	ErrUnknownEvent = errors.New("events: unknown event name")
	// ErrNilHandler indicates a subscription without a callback.
	ErrNilHandler = errors.New("events: handler is required")

	defaultBus  *Bus
	defaultOnce sync.Once
)

// Handler receives emissions. A returned error is logged and swallowed.
type Handler func(Event) error

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	name Name
	id   int64
}

// Name reports the event the subscription listens to.
func (s Subscription) Name() Name {
	return s.name
}

// Config configures a Bus.
type Config struct {
	Logger *zap.Logger
	Clock  func() time.Time
}

// Bus dispatches catalog events synchronously to every current subscriber.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name]map[int64]Handler
	nextID   int64
	logger   *zap.Logger
	clock    func() time.Time
}

// New constructs an empty bus.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		handlers: make(map[Name]map[int64]Handler),
		logger:   logger,
		clock:    clock,
	}
}

// Default returns the process-wide bus, creating it on first access.
func Default() *Bus {
	defaultOnce.Do(func() {
		defaultBus = New(Config{})
	})
	return defaultBus
}

// SetLogger replaces the logger used for subscriber failures.
func (b *Bus) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers handler under name.
func (b *Bus) Subscribe(name Name, handler Handler) (Subscription, error) {
	if !known(name) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if handler == nil {
		return Subscription{}, ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if _, ok := b.handlers[name]; !ok {
		b.handlers[name] = make(map[int64]Handler)
	}
	b.handlers[name][b.nextID] = handler
	return Subscription{name: name, id: b.nextID}, nil
}

// SubscribeAll registers handler for every catalog event and returns one subscription per name.
func (b *Bus) SubscribeAll(handler Handler) ([]Subscription, error) {
	subscriptions := make([]Subscription, 0, len(Catalog))
	for _, name := range Catalog {
		subscription, err := b.Subscribe(name, handler)
		if err != nil {
			b.Unsubscribe(subscriptions...)
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

// Unsubscribe removes the handlers. Unknown or already removed subscriptions are ignored.
func (b *Bus) Unsubscribe(subscriptions ...Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subscription := range subscriptions {
		handlers := b.handlers[subscription.name]
		if handlers == nil {
			continue
		}
		delete(handlers, subscription.id)
		if len(handlers) == 0 {
			delete(b.handlers, subscription.name)
		}
	}
}

// SubscriberCount reports how many handlers listen to name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Emit delivers payload to every subscriber of its event. Handlers added or removed during
// the emission do not affect it.
func (b *Bus) Emit(payload Payload) {
	if payload == nil {
		return
	}
	event := Event{
		Name:      payload.EventName(),
		Payload:   payload,
		EmittedAt: b.clock().UTC(),
	}

	b.mu.RLock()
	handlers := b.handlers[event.Name]
	copies := make([]Handler, 0, len(handlers))
	for _, handler := range handlers {
		copies = append(copies, handler)
	}
	logger := b.logger
	b.mu.RUnlock()

	for _, handler := range copies {
		invoke(logger, handler, event)
	}
}

func invoke(logger *zap.Logger, handler Handler, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("event subscriber panicked",
				zap.String("event", string(event.Name)),
				zap.Time("emitted_at", event.EmittedAt),
				zap.Any("panic", recovered))
		}
	}()
	if err := handler(event); err != nil {
		logger.Error("event subscriber failed",
			zap.String("event", string(event.Name)),
			zap.Time("emitted_at", event.EmittedAt),
			zap.Error(err))
	}
}

func known(name Name) bool {
	for _, candidate := range Catalog {
		if candidate == name {
			return true
		}
	}
	return false
}
