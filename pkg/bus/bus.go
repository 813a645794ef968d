package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventBus fans turn events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	subs    map[int]chan TurnEvent
	nextID  int
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]chan TurnEvent),
	}
}

func (b *EventBus) Publish(ev TurnEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan TurnEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan TurnEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
