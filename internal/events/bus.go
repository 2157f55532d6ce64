// Package events carries loop progress to observers such as the dashboard.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// Publisher is the producing side of the bus. The execution loop only needs this.
type Publisher interface {
	Publish(event Event)
}

type subscription struct {
	topic string // Empty for every topic
	ch    chan Event
}

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber that falls behind loses events rather than stalling
// the loop, and every lost delivery is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events of one topic.
// bufSize <= 0 means DefaultBuffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving every event.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscription{topic: topic, ch: ch})
	return ch
}

// Publish delivers event to every matching subscriber that has room.
// Events published after Close are discarded.
func (b *EventBus) Publish(event Event) {
	topic := event.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Calling it again is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
