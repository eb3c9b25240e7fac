package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pricealert/internal/cache"
)

// PushChannel is the Redis pub/sub channel push messages are published on.
const PushChannel = "price_alerts"

// RedisPush publishes push messages to Redis so every API instance can relay
// them to its connected stream clients.
type RedisPush struct {
	client  *redis.Client
	channel string
}

// NewRedisPush returns a RedisPush publishing on PushChannel.
func NewRedisPush(client *redis.Client) *RedisPush {
	return &RedisPush{client: client, channel: PushChannel}
}

// SendPush publishes msg as JSON.
func (p *RedisPush) SendPush(ctx context.Context, msg PushMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := cache.Publish(ctx, p.client, p.channel, payload); err != nil {
		return fmt.Errorf("publish push for user %s: %w", msg.UserID, err)
	}
	return nil
}
