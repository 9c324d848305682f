// Package bus implements the engine's typed publish/subscribe event
// channel: synchronous, in-subscription-order delivery that isolates a
// failing handler from the rest.
package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives a delivered Event. A handler must not call back into
// the Bus that is delivering to it (Subscribe/Emit from within a handler
// is safe but will not affect the in-flight delivery).
type Handler func(Event)

// Subscription is an opaque handle returned by Subscribe/SubscribeAny,
// used to Unsubscribe the same handler later.
type Subscription uint64

// Bus is a synchronous, isolating event dispatcher.
type Bus struct {
	log zerolog.Logger

	mu       sync.Mutex
	nextID   Subscription
	byKind   map[Kind][]subscriber
	wildcard []subscriber
}

type subscriber struct {
	id Subscription
	h  Handler
}

// New creates an empty Bus. The logger is scoped to component "event-bus".
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:    log.With().Str("component", "event-bus").Logger(),
		byKind: make(map[Kind][]subscriber),
	}
}

// Subscribe registers h for events of the given kind and returns a handle
// for Unsubscribe.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byKind[kind] = append(b.byKind[kind], subscriber{id: id, h: h})
	return id
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.byKind {
		b.byKind[kind] = removeSub(subs, sub)
	}
}

// SubscribeAny registers h for every kind of event, delivered after all
// kind-matched handlers have run.
func (b *Bus) SubscribeAny(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscriber{id: id, h: h})
	return id
}

// UnsubscribeAny removes a subscription previously returned by SubscribeAny.
func (b *Bus) UnsubscribeAny(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcard = removeSub(b.wildcard, sub)
}

func removeSub(subs []subscriber, id Subscription) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers ev synchronously: first every kind-matched handler in
// subscription order, then every wildcard handler in subscription order.
// A handler that panics is recovered and logged; remaining handlers still
// run.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	kindSubs := append([]subscriber(nil), b.byKind[ev.Kind]...)
	wildSubs := append([]subscriber(nil), b.wildcard...)
	b.mu.Unlock()

	for _, s := range kindSubs {
		b.dispatch(s.h, ev)
	}
	for _, s := range wildSubs {
		b.dispatch(s.h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("kind", string(ev.Kind)).
				Str("job_id", ev.JobID).
				Msg("event handler panicked, isolating")
		}
	}()
	h(ev)
}
