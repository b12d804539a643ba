package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/metrics"
)

// RedisBus carries events between processes over Redis pub/sub. Each topic
// maps to one Redis channel under prefix.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
	log    zerolog.Logger
}

// DialRedis parses url, pings the server and returns a bus on it.
func DialRedis(ctx context.Context, url, prefix string, buffer int, log zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisBus(client, prefix, buffer, log), nil
}

func NewRedisBus(client redis.UniversalClient, prefix string, buffer int, log zerolog.Logger) *RedisBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		buffer: buffer,
		log:    log.With().Str("component", "realtime-redis").Logger(),
	}
}

func (b *RedisBus) channel(topic string) string { return b.prefix + topic }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return ErrNoTopic
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	metrics.EventsPublished.WithLabelValues("redis").Inc()
	return nil
}

// Subscribe returns after Redis confirms the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, types ...EventType) (*Subscription, error) {
	if topic == "" {
		return nil, ErrNoTopic
	}
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := newSubscription(topic, b.buffer, types)
	done := make(chan struct{})
	sub.release = func() {
		_ = ps.Close()
		<-done
		metrics.ActiveSubscriptions.WithLabelValues("redis").Dec()
	}
	metrics.ActiveSubscriptions.WithLabelValues("redis").Inc()

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("topic", topic).Msg("discarding malformed event")
				continue
			}
			if !sub.offer(ev) {
				metrics.EventsDropped.WithLabelValues("redis").Inc()
				b.log.Warn().Str("topic", topic).Str("type", string(ev.Type)).Msg("subscriber queue full, event dropped")
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
