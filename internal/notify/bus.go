package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const busBufferSize = 100

// Bus is an in-process pub/sub notifier. Subscribers receive events on
// buffered channels; a full channel drops the event rather than blocking
// the emitting save path.
type Bus struct {
	mu       sync.RWMutex
	byType   map[string][]chan Event
	allSubs  []chan Event
	closed   bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving the named event types, or all
// events when none are given.
func (b *Bus) Subscribe(eventTypes ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, busBufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.byType[et] = append(b.byType[et], ch)
		}
	}
	return ch
}

// Notify fans the event out without blocking. Slow subscribers lose events.
func (b *Bus) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	deliver := func(ch chan Event) {
		select {
		case ch <- ev:
		default:
			slog.Warn("notify: subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
	for _, ch := range b.byType[ev.Type] {
		deliver(ch)
	}
	for _, ch := range b.allSubs {
		deliver(ch)
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Event]bool)
	for _, chans := range b.byType {
		for _, ch := range chans {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.allSubs {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
}
