package statuspage

import (
	"sync"
)

// ============================================================================
// Event Bus
// ============================================================================

// Handler receives one published event.
type Handler func(Event)

// Bus is a typed publish/subscribe registry. It has no network knowledge;
// Realtime feeds it and Rooms/Reconciler consume it.
//
// Publish runs handlers synchronously on the caller's goroutine, in
// registration order, over a snapshot taken at dispatch time: handlers added
// or removed while a dispatch is running take effect from the next Publish.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byKind map[EventKind][]*Subscription
	all    []*Subscription
}

// Subscription is the handle returned by Subscribe. It is the only way to
// remove a handler.
type Subscription struct {
	bus      *Bus
	id       uint64
	kind     EventKind
	catchAll bool
	handler  Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byKind: make(map[EventKind][]*Subscription)}
}

// Subscribe registers h for one event kind.
func (b *Bus) Subscribe(kind EventKind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, kind: kind, handler: h}
	b.byKind[kind] = append(b.byKind[kind], sub)
	return sub
}

// SubscribeAll registers h for every kind. Catch-all handlers run after the
// handlers registered for the specific kind.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, catchAll: true, handler: h}
	b.all = append(b.all, sub)
	return sub
}

// On registers a handler for the concrete event type E. Events of that kind
// whose dynamic type is not E are skipped.
func On[E Event](b *Bus, kind EventKind, h func(E)) *Subscription {
	return b.Subscribe(kind, func(ev Event) {
		if typed, ok := ev.(E); ok {
			h(typed)
		}
	})
}

// Unsubscribe removes sub. Removing an already removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.bus != b {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.catchAll {
		b.all = without(b.all, sub.id)
		return
	}
	subs := without(b.byKind[sub.kind], sub.id)
	if len(subs) == 0 {
		delete(b.byKind, sub.kind)
		return
	}
	b.byKind[sub.kind] = subs
}

// Unsubscribe removes the handler from its bus.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.bus.Unsubscribe(s)
}

// Publish dispatches ev to the handlers registered at this moment.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	kindSubs := b.byKind[ev.Kind()]
	snapshot := make([]*Subscription, 0, len(kindSubs)+len(b.all))
	snapshot = append(snapshot, kindSubs...)
	snapshot = append(snapshot, b.all...)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.handler(ev)
	}
}

// HandlerCount reports how many handlers would receive an event of kind.
func (b *Bus) HandlerCount(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKind[kind]) + len(b.all)
}

// without returns a fresh slice so snapshots held by in-flight dispatches
// never observe the removal.
func without(subs []*Subscription, id uint64) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
