// Package events delivers provider lifecycle notifications to in-process
// subscribers. Delivery is synchronous: Publish returns after every
// subscriber handled the event, so a single publisher's events are observed
// in emission order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of provider event.
type Kind string

const (
	ProviderRegistered         Kind = "provider-registered"
	ProviderRegistrationFailed Kind = "provider-registration-failed"
	ProviderRemoved            Kind = "provider-removed"
	ActiveProviderChanged      Kind = "active-provider-changed"
	ProviderFailed             Kind = "provider-failed"
	ProviderUnhealthy          Kind = "provider-unhealthy"
	ProviderRecovered          Kind = "provider-recovered"
	HealthCheckFailed          Kind = "health-check-failed"
)

// Event is an immutable notification of provider activity.
type Event struct {
	Kind      Kind
	Provider  string
	RequestID string
	Err       error
	Timestamp time.Time
}

// Handler receives events. Handlers run on the publisher's goroutine and
// should return quickly.
type Handler func(Event)

type subscriber struct {
	id      string
	handler Handler
}

// Bus fans out events to all subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	closed bool
}

// NewBus creates a Bus ready for use.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns a function removing it.
// Subscribing to a closed bus returns a no-op unsubscribe.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || handler == nil {
		return func() {}
	}
	b.subs = append(b.subs, subscriber{id: id, handler: handler})

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber in subscription order.
// The subscriber list is copied first so handlers may subscribe,
// unsubscribe or publish without deadlocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(e)
	}
}

// Len returns the number of subscribers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close releases every subscriber; later subscriptions are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = nil
}
