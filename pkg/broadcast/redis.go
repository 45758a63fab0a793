package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisBroadcaster.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every topic to form the Redis channel name.
	Prefix string
}

// RedisBroadcaster publishes events with Redis PUBLISH. Relay feeds them
// back into a local Hub.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster connects to Redis and verifies the connection.
func NewRedisBroadcaster(ctx context.Context, cfg RedisConfig) (*RedisBroadcaster, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("broadcast: redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broadcast: redis ping: %w", err)
	}
	b := NewRedisBroadcasterFromClient(client, cfg.Prefix)
	b.owned = true
	return b, nil
}

// NewRedisBroadcasterFromClient wraps an existing client. The caller keeps
// ownership of client.
func NewRedisBroadcasterFromClient(client *redis.Client, prefix string) *RedisBroadcaster {
	if prefix == "" {
		prefix = "gotalk:"
	}
	return &RedisBroadcaster{client: client, prefix: prefix}
}

func (b *RedisBroadcaster) channel(topic string) string {
	return b.prefix + topic
}

// Publish sends ev on the Redis channel for ev.Topic.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broadcast: encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.Topic), data).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Relay subscribes to every prefixed channel and forwards payloads into
// hub until ctx is done. ready, when non-nil, is closed once the
// subscription is confirmed.
func (b *RedisBroadcaster) Relay(ctx context.Context, hub *Hub, ready chan<- struct{}) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("broadcast: redis psubscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := strings.TrimPrefix(msg.Channel, b.prefix)
			hub.PublishRaw(topic, []byte(msg.Payload))
			slog.Debug("broadcast: relayed redis event", "topic", topic)
		}
	}
}

// Close closes the client if the broadcaster created it.
func (b *RedisBroadcaster) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
