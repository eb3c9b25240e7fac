package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snap struct {
	Prices map[string]string `json:"prices"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedis_RoundTripAndExpiry(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	s := NewRedis[snap](client, "snapshot", "snapshot:", LivePriceTTL, nil)

	s.Set(ctx, "gold,silver", snap{Prices: map[string]string{"gold": "2005.10"}})

	got, ok := s.Get(ctx, "gold,silver")
	require.True(t, ok)
	assert.Equal(t, "2005.10", got.Prices["gold"])
	assert.True(t, mr.Exists("snapshot:gold,silver"))

	mr.FastForward(LivePriceTTL)
	_, ok = s.Get(ctx, "gold,silver")
	assert.False(t, ok)
}

func TestRedis_UndecodableIsMiss(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("snapshot:bad", "{not json"))

	s := NewRedis[snap](client, "snapshot", "snapshot:", time.Minute, nil)
	_, ok := s.Get(context.Background(), "bad")
	assert.False(t, ok)
}

func TestRedis_InvalidateAndPrefix(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	s := NewRedis[string](client, "browse", "alerts:", time.Minute, nil)

	s.Set(ctx, "browse_u1", "x")
	s.Set(ctx, "browse_u2", "y")
	s.Set(ctx, "single_1", "z")

	s.Invalidate(ctx, "single_1")
	_, ok := s.Get(ctx, "single_1")
	assert.False(t, ok)

	assert.Equal(t, 2, s.InvalidatePrefix(ctx, "browse_"))
	_, ok = s.Get(ctx, "browse_u1")
	assert.False(t, ok)
}

func TestPubSub_PublishReceive(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := NewRedisSubscriber(ctx, client, "price_alerts")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, Publish(ctx, client, "price_alerts", []byte(`{"alert_id":"a1"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"alert_id":"a1"}`, msg.Payload)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisClient(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
