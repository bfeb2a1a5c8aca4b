package events

import (
	"context"
	"sync"
)

// Buffer is a bounded event queue between the engine and a slow stream
// consumer. When full, heartbeats are shed first: an incoming heartbeat is
// dropped outright, and a substantive event evicts the oldest buffered
// heartbeat. Substantive events are never dropped; Push blocks via the
// consumer signal only when nothing can be shed, which keeps ready/final
// ordering intact.
type Buffer struct {
	mu      sync.Mutex
	items   []Event
	max     int
	closed  bool
	dropped int

	signal chan struct{}
	space  chan struct{}
}

// NewBuffer creates a buffer holding at most max events.
func NewBuffer(max int) *Buffer {
	if max < 1 {
		max = 64
	}
	return &Buffer{
		max:    max,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Push enqueues an event. Returns false when the event was shed or the
// buffer is closed.
func (b *Buffer) Push(ctx context.Context, ev Event) bool {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return false
		}
		if len(b.items) < b.max {
			b.items = append(b.items, ev)
			b.mu.Unlock()
			b.wake(b.signal)
			return true
		}
		// Full: shed heartbeats before anything else.
		if ev.Name == NameHeartbeat {
			b.dropped++
			b.mu.Unlock()
			return false
		}
		if idx := b.oldestHeartbeatLocked(); idx >= 0 {
			b.items = append(b.items[:idx], b.items[idx+1:]...)
			b.items = append(b.items, ev)
			b.dropped++
			b.mu.Unlock()
			b.wake(b.signal)
			return true
		}
		b.mu.Unlock()

		select {
		case <-b.space:
		case <-ctx.Done():
			return false
		}
	}
}

// Next dequeues the next event, blocking until one arrives, the buffer
// closes empty, or ctx is done.
func (b *Buffer) Next(ctx context.Context) (Event, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			ev := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			b.wake(b.space)
			return ev, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-b.signal:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Close marks the buffer complete. Buffered events remain readable.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake(b.signal)
	b.wake(b.space)
}

// Dropped reports how many heartbeats were shed.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) oldestHeartbeatLocked() int {
	for i, ev := range b.items {
		if ev.Name == NameHeartbeat {
			return i
		}
	}
	return -1
}

func (b *Buffer) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
