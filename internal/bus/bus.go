package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithBuffer sets the channel capacity. Values below 1 keep the default.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

// Bus is an in-process pub/sub bus with topic prefix matching. Delivery
// never blocks the publisher, which is usually a committing transaction.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	onDrop func(topic string)
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// SetDropHook registers fn to be called whenever an event is dropped for a
// slow subscriber. fn must not block.
func (b *Bus) SetDropHook(fn func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{prefix: topicPrefix}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Event, defaultBufferSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. A subscriber whose
// buffer is full misses the event and its drop counter is incremented.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
}

// PublishAll publishes events in order. The store uses it to release events
// buffered during a transaction once the commit succeeded.
func (b *Bus) PublishAll(events []Event) {
	for _, ev := range events {
		b.Publish(ev.Topic, ev.Payload)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
