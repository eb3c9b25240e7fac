package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Publish publishes message on a Redis channel.
func Publish(ctx context.Context, client *redis.Client, channel string, message []byte) error {
	return client.Publish(ctx, channel, message).Err()
}

// RedisSubscriber represents a subscription to a Redis channel.
type RedisSubscriber struct {
	pubsub *redis.PubSub
}

// NewRedisSubscriber subscribes to channel and waits for the server to
// confirm the subscription.
func NewRedisSubscriber(ctx context.Context, client *redis.Client, channel string) (*RedisSubscriber, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return &RedisSubscriber{pubsub: pubsub}, nil
}

// ReceiveMessage waits for and returns the next message.
func (s *RedisSubscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return s.pubsub.ReceiveMessage(ctx)
}

// Close closes the subscription.
func (s *RedisSubscriber) Close() error {
	return s.pubsub.Close()
}
