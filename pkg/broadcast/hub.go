package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Subscription receives encoded events for the topics it was created with.
// C is closed when the subscription is cancelled or the hub closes.
type Subscription struct {
	C <-chan []byte

	c      chan []byte
	topics []string
	once   sync.Once
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*Subscription]struct{}
	closed  bool
	buffer  int

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub. bufferSize <= 0 uses DefaultBufferSize.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		byTopic: make(map[string]map[*Subscription]struct{}),
		buffer:  bufferSize,
	}
}

var _ Broadcaster = (*Hub)(nil)

// Subscribe registers a subscription for topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	c := make(chan []byte, h.buffer)
	sub := &Subscription{C: c, c: c, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(c) })
		return sub
	}
	for _, t := range topics {
		set, ok := h.byTopic[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.byTopic[t] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe detaches sub and closes its channel. It is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(sub)
}

func (h *Hub) detachLocked(sub *Subscription) {
	for _, t := range sub.topics {
		if set, ok := h.byTopic[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.byTopic, t)
			}
		}
	}
	sub.once.Do(func() { close(sub.c) })
}

// Publish encodes ev and hands it to every subscriber of ev.Topic without
// blocking. Full subscriber queues drop the event.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	h.PublishRaw(ev.Topic, data)
	return nil
}

// PublishRaw delivers already encoded data to subscribers of topic.
func (h *Hub) PublishRaw(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.byTopic[topic] {
		select {
		case sub.c <- data:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			slog.Debug("broadcast: subscriber queue full, dropping event", "topic", topic)
		}
	}
}

// SubscriberCount returns the number of subscriptions on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

// Stats returns delivered and dropped event counts.
func (h *Hub) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

// Close detaches every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.byTopic {
		for sub := range set {
			sub.once.Do(func() { close(sub.c) })
		}
	}
	clear(h.byTopic)
}
