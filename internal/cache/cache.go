package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TTLs per data kind.
const (
	LivePriceTTL  = 60 * time.Second
	HistoricalTTL = 300 * time.Second
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

// Store is the context-aware cache contract shared by the in-process and
// Redis implementations.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Invalidate(ctx context.Context, key string)
	InvalidatePrefix(ctx context.Context, prefix string) int
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is an in-process key/value cache with a fixed time-to-live.
// An entry is valid while now - storedAt < ttl; expired entries are reported
// as missing and dropped on read. Entries are replaced wholesale by Set.
type TTL[K comparable, V any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[K]entry[V]
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for deterministic expiry in tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache whose entries live for ttl. name labels its metrics.
func New[K comparable, V any](name string, ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		name:  name,
		ttl:   ttl,
		now:   o.now,
		items: make(map[K]entry[V]),
	}
}

// Get returns the value stored for key if it has not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && now.Sub(e.storedAt) < c.ttl {
		cacheHitsTotal.WithLabelValues(c.name).Inc()
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		// Another writer may have refreshed the key meanwhile.
		if cur, still := c.items[key]; still && now.Sub(cur.storedAt) >= c.ttl {
			delete(c.items, key)
		}
		c.mu.Unlock()
	}
	cacheMissesTotal.WithLabelValues(c.name).Inc()
	var zero V
	return zero, false
}

// Set stores value under key, replacing any previous entry.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, storedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate removes key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Local adapts a string-keyed TTL cache to Store.
func Local[V any](c *TTL[string, V]) Store[V] {
	return localStore[V]{c: c}
}

type localStore[V any] struct{ c *TTL[string, V] }

func (l localStore[V]) Get(_ context.Context, key string) (V, bool) { return l.c.Get(key) }
func (l localStore[V]) Set(_ context.Context, key string, v V)      { l.c.Set(key, v) }
func (l localStore[V]) Invalidate(_ context.Context, key string)    { l.c.Invalidate(key) }

func (l localStore[V]) InvalidatePrefix(_ context.Context, prefix string) int {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	n := 0
	for k := range l.c.items {
		if strings.HasPrefix(k, prefix) {
			delete(l.c.items, k)
			n++
		}
	}
	return n
}
