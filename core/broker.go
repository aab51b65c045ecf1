package core

import (
	"sync"
	"time"
)

// BusEventKind classifies observability events.
type BusEventKind string

const (
	// BusLifecycle mirrors a persisted Lifecycle record.
	BusLifecycle BusEventKind = "lifecycle"
	// BusThought carries free text the decision engine produced outside any
	// action tag.
	BusThought BusEventKind = "thought"
)

// BusEvent is a single observability notification. It is advisory only:
// dropping one never affects pipeline correctness.
type BusEvent struct {
	Kind      BusEventKind
	Unit      string
	Text      string
	Timestamp time.Time
}

// Broker is a lightweight fan-out bus for Lifecycle events and thought
// broadcasts. Publish never blocks: slow subscribers lose events.
type Broker struct {
	mu   sync.Mutex
	subs map[int]chan BusEvent
	next int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan BusEvent)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan BusEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan BusEvent, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans the event out to all subscribers, dropping it for any whose
// buffer is full.
func (b *Broker) Publish(ev BusEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
