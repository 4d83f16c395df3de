package notifications

import (
	"context"
	"sync"
	"time"
)

// Coalescer debounces high-frequency events per topic before forwarding to
// the wrapped service. The latest payload always wins and the trailing edge
// is guaranteed, so the final state of a burst is never dropped. Terminal
// events (completed/failed) bypass the window.
type Coalescer struct {
	next   Service
	window time.Duration

	mu      sync.Mutex
	pending map[Event]*pendingEvent
	closed  bool
}

type pendingEvent struct {
	timer   *time.Timer
	payload Payload
}

// NewCoalescer wraps next with a debounce window.
func NewCoalescer(next Service, window time.Duration) *Coalescer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	return &Coalescer{
		next:    next,
		window:  window,
		pending: make(map[Event]*pendingEvent),
	}
}

func (c *Coalescer) Publish(ctx context.Context, event Event, payload Payload) error {
	switch event {
	case EventJobCompleted, EventJobFailed:
		return c.next.Publish(ctx, event, payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if entry, ok := c.pending[event]; ok {
		entry.payload = payload
		return nil
	}
	entry := &pendingEvent{payload: payload}
	entry.timer = time.AfterFunc(c.window, func() {
		c.flush(event)
	})
	c.pending[event] = entry
	return nil
}

func (c *Coalescer) flush(event Event) {
	c.mu.Lock()
	entry, ok := c.pending[event]
	if ok {
		delete(c.pending, event)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.next.Publish(context.Background(), event, entry.payload)
}

// Close flushes anything still pending and stops accepting events.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := make(map[Event]Payload, len(c.pending))
	for event, entry := range c.pending {
		entry.timer.Stop()
		remaining[event] = entry.payload
	}
	c.pending = make(map[Event]*pendingEvent)
	c.mu.Unlock()

	for event, payload := range remaining {
		_ = c.next.Publish(context.Background(), event, payload)
	}
}

var _ Service = (*Coalescer)(nil)
