package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/metrics"
)

const DefaultBuffer = 64

// Hub is an in-process transport: topic -> set(subscription).
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    zerolog.Logger
}

func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		topics: map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		log:    log.With().Str("component", "realtime-hub").Logger(),
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic string, types ...EventType) (*Subscription, error) {
	if topic == "" {
		return nil, ErrNoTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(topic, h.buffer, types)
	sub.release = func() { h.remove(sub) }

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	set, ok := h.topics[topic]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.topics[topic] = set
	}
	set[sub] = struct{}{}
	metrics.ActiveSubscriptions.WithLabelValues("hub").Inc()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.topics, sub.topic)
	}
	metrics.ActiveSubscriptions.WithLabelValues("hub").Dec()
}

// Publish fans ev out to every subscription on ev.Topic. Subscribers with a
// full queue miss the event.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return ErrNoTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	metrics.EventsPublished.WithLabelValues("hub").Inc()
	for sub := range h.topics[ev.Topic] {
		if !sub.offer(ev) {
			metrics.EventsDropped.WithLabelValues("hub").Inc()
			h.log.Warn().Str("topic", ev.Topic).Str("type", string(ev.Type)).Msg("subscriber queue full, event dropped")
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close closes every open subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, set := range h.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.topics = map[string]map[*Subscription]struct{}{}
	h.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues("hub").Sub(float64(len(subs)))
	for _, sub := range subs {
		_ = sub.Close()
	}
}
