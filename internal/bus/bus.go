// Package bus fans normalized session events out from the orchestrator sink
// to its consumers (realtime server, turn store). Built on watermill's
// gochannel for infrastructure while dispatching to typed subscribers
// directly, so events keep their Go types.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dkemper/steward/internal/orchestrator"
)

// SessionEvent pairs a normalized event with the session that produced it.
type SessionEvent struct {
	SessionID string             `json:"sessionId"`
	Event     orchestrator.Event `json:"event"`
}

// Subscriber receives published session events. Subscribers invoked through
// PublishSync run on the publishing goroutine and must not block.
type Subscriber func(ev SessionEvent)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an in-process pub/sub for session events.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	byType map[orchestrator.EventType][]subscriberEntry
	global []subscriberEntry

	nextID uint64
	closed bool
}

// New creates an open bus with no subscribers.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		byType: make(map[orchestrator.EventType][]subscriberEntry),
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(t orchestrator.EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.byType[t] = append(b.byType[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event and returns its unsubscribe func.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t orchestrator.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[t]
	for i, entry := range subs {
		if entry.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

func (b *Bus) collect(t orchestrator.EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.byType[t])+len(b.global))
	for _, entry := range b.byType[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish delivers ev to every matching subscriber, each on its own
// goroutine. Ordering across events is not guaranteed.
func (b *Bus) Publish(ev SessionEvent) {
	for _, fn := range b.collect(ev.Event.Type) {
		go fn(ev)
	}
}

// PublishSync delivers ev to every matching subscriber on the calling
// goroutine, preserving the publisher's ordering. This is what the
// orchestrator sink uses so per-session event order survives fan-out.
func (b *Bus) PublishSync(ev SessionEvent) {
	for _, fn := range b.collect(ev.Event.Type) {
		fn(ev)
	}
}

// Close drops all subscribers; subsequent publishes are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.byType = make(map[orchestrator.EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
