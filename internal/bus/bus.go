package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus. Seq is assigned at publish time and
// increases across all topics.
type Event struct {
	Seq     uint64
	Topic   string
	At      time.Time
	Payload any
}

// Subscription receives events whose topic matches one of its prefixes.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is an in-process pub/sub bus for committed store events. Slow
// subscribers lose events rather than stall the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers interest in the given topic prefixes. No prefixes, or
// an empty one, matches every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: prefixes,
		ch:       make(chan Event, defaultBufferSize),
	}
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

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		At:      time.Now().UTC(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
