// Package broadcast fans readings out to live subscribers: websocket
// connections, the MQTT bridge, dashboards, tests. Publish never blocks on
// a slow consumer; when a subscriber's queue is full the oldest pending
// event is discarded to make room for the new one, so laggards see fresh
// data with gaps rather than an ever-older backlog.
package broadcast

import (
	"sync"
	"time"
)

// Event is one reading as delivered to subscribers.
type Event struct {
	DeviceID     uint      `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	Temperature  *float64  `json:"temperature"`
	Ambient      *float64  `json:"ambient_temp,omitempty"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"-"`
	RawHex       string    `json:"raw_hex,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// QueueCap is each subscription's outbound queue depth.
const QueueCap = 64

// Hub is the fan-out point between the polling loops and live consumers.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	dropped uint64
}

type subscription struct {
	ch     chan Event
	cancel sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a consumer. The returned channel carries events until
// cancel is called; cancel is idempotent and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, QueueCap)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.cancel.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking. A full
// queue loses its oldest event; the hub's dropped counter tracks how many
// events were displaced in total.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: displace the oldest, then enqueue. The subscriber
		// may have drained concurrently, so the second send is best-effort
		// too.
		select {
		case <-sub.ch:
			h.dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of events displaced from full queues.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
