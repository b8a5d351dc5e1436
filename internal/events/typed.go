package events

import (
	"fmt"
	"time"
)

// On subscribes fn to the event carried by payload type P.
func On[P Payload](bus *Bus, fn func(P, time.Time) error) (Subscription, error) {
	var zero P
	return bus.Subscribe(zero.EventName(), func(event Event) error {
		payload, ok := event.Payload.(P)
		if !ok {
			return fmt.Errorf("events: unexpected payload %T for %s", event.Payload, event.Name)
		}
		return fn(payload, event.EmittedAt)
	})
}
