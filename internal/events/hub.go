// Package events is the live-event broadcaster: a single-process pub/sub
// hub feeding the websocket endpoint.
package events

import (
	"context"
	"sync"
	"time"

	"grimm.is/mimosa/internal/clock"
)

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 100

// Hub fans events out to subscribers with bounded queues. Slow consumers
// lose their oldest items; the producer never blocks.
type Hub struct {
	mu     sync.RWMutex
	subs   map[EventType][]chan Event
	global []chan Event
	clock  clock.Clock

	published uint64
	dropped   uint64
}

// NewHub creates an event hub.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Hub{
		subs:  make(map[EventType][]chan Event),
		clock: clk,
	}
}

// Publish delivers an event to every matching subscriber. Non-blocking: a
// full queue sheds its oldest item to make room.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++
	for _, ch := range h.subs[e.Type] {
		h.send(ch, e)
	}
	for _, ch := range h.global {
		h.send(ch, e)
	}
}

// send pushes onto a subscriber queue, dropping the oldest item when full.
// Caller holds h.mu, so concurrent sends cannot race the drain.
func (h *Hub) send(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
			h.dropped++
		default:
		}
	}
}

// Subscribe returns a queue receiving the given event families, or all
// events when none are named. The caller must Unsubscribe when done.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultQueueSize
	}
	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions. The channel is not
// closed; the subscriber owns it.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeChan(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeChan(subs, ch)
	}
}

// SubscriberCount returns the number of registered queues.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[<-chan Event]struct{})
	for _, ch := range h.global {
		seen[ch] = struct{}{}
	}
	for _, subs := range h.subs {
		for _, ch := range subs {
			seen[ch] = struct{}{}
		}
	}
	return len(seen)
}

// Counters returns publish/drop totals for monitoring.
func (h *Hub) Counters() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

func removeChan(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// EmitOffense publishes an offense event.
func (h *Hub) EmitOffense(d OffenseData, source string) {
	h.Publish(Event{Type: EventOffense, Source: source, Data: d})
}

// EmitBlock publishes a block lifecycle event.
func (h *Hub) EmitBlock(d BlockData) {
	h.Publish(Event{Type: EventBlock, Source: d.Source, Data: d})
}

// StatsFunc produces the periodic snapshot payload.
type StatsFunc func() StatsData

// RunStatsTicker publishes a stats snapshot at the given interval until the
// context is cancelled. Interval zero means the 30s default.
func (h *Hub) RunStatsTicker(ctx context.Context, interval time.Duration, fn StatsFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish(Event{Type: EventStats, Source: "stats", Data: fn()})
		}
	}
}
