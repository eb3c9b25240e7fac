package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"pricealert/internal/cache"
	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/providers"
	"pricealert/internal/tracing"
)

// ErrNoPrices means no provider returned a price for any requested asset.
// Callers must skip the cycle rather than treat it as "no alert matched".
var ErrNoPrices = errors.New("no prices available")

var (
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Upstream price provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Upstream price provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(providerRequestsTotal)
	prometheus.MustRegister(providerRequestDuration)
}

// Result is the outcome of one provider call: prices keyed by asset id, or an error.
type Result struct {
	Provider string
	Prices   map[string]decimal.Decimal
	Err      error
	Took     time.Duration
}

// Routes maps an asset category to the provider responsible for it.
type Routes map[providers.Category]providers.Provider

// Aggregator fans a snapshot request out to the providers responsible for each
// asset and merges whatever comes back.
type Aggregator struct {
	catalog *providers.Catalog
	routes  Routes
	cache   cache.Store[models.Snapshot]
	timeout time.Duration
	grace   time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the per-provider call timeout (default 10s).
func WithTimeout(d time.Duration) Option { return func(a *Aggregator) { a.timeout = d } }

// WithGrace sets how long a provider may take after its deadline to hand
// back the prices it already has (default 250ms).
func WithGrace(d time.Duration) Option { return func(a *Aggregator) { a.grace = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.log = logger.OrNop(l) } }

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// New builds an aggregator. store caches whole snapshots; pass a
// cache.Local(cache.New[...](..., cache.LivePriceTTL)) or a Redis store.
func New(catalog *providers.Catalog, routes Routes, store cache.Store[models.Snapshot], opts ...Option) *Aggregator {
	a := &Aggregator{
		catalog: catalog,
		routes:  routes,
		cache:   store,
		timeout: 10 * time.Second,
		grace:   250 * time.Millisecond,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// snapshotKey identifies a request independent of id order and duplicates.
func snapshotKey(ids []string) string {
	return strings.Join(ids, ",")
}

func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// request is the work for a single provider in one snapshot.
type request struct {
	provider providers.Provider
	tickers  []string
	assets   map[string][]string // ticker -> asset ids
}

func (a *Aggregator) plan(ids []string) []*request {
	byProvider := make(map[string]*request)
	var order []string
	for _, id := range ids {
		asset, ok := a.catalog.Lookup(id)
		if !ok {
			a.log.Warn("Unknown asset requested", zap.String("asset_id", id))
			continue
		}
		p, ok := a.routes[asset.Category]
		if !ok || p == nil {
			a.log.Warn("No provider configured for asset category",
				zap.String("asset_id", id),
				zap.String("category", string(asset.Category)),
			)
			continue
		}
		ticker, ok := asset.Tickers[p.Name()]
		if !ok || ticker == "" {
			a.log.Warn("Asset has no ticker for provider",
				zap.String("asset_id", id),
				zap.String("provider", p.Name()),
			)
			continue
		}
		r, ok := byProvider[p.Name()]
		if !ok {
			r = &request{provider: p, assets: make(map[string][]string)}
			byProvider[p.Name()] = r
			order = append(order, p.Name())
		}
		if _, dup := r.assets[ticker]; !dup {
			r.tickers = append(r.tickers, ticker)
		}
		r.assets[ticker] = append(r.assets[ticker], id)
	}
	out := make([]*request, 0, len(order))
	for _, name := range order {
		out = append(out, byProvider[name])
	}
	return out
}

// FetchSnapshot returns current prices for assetIDs. Provider failures only
// remove their assets from the snapshot; ErrNoPrices is returned when nothing
// at all could be priced. A complete snapshot is cached, and a cached
// snapshot for the same asset set is returned without calling providers.
func (a *Aggregator) FetchSnapshot(ctx context.Context, assetIDs []string) (models.Snapshot, error) {
	ctx, span := tracing.Tracer().Start(ctx, "aggregator.FetchSnapshot")
	defer span.End()

	ids := normalize(assetIDs)
	span.SetAttributes(attribute.Int("assets.requested", len(ids)))
	if len(ids) == 0 {
		return models.Snapshot{Prices: map[string]decimal.Decimal{}, FetchedAt: a.now()}, nil
	}

	key := snapshotKey(ids)
	if snap, ok := a.cache.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return snap, nil
	}

	reqs := a.plan(ids)
	routed := 0
	for _, r := range reqs {
		for _, assets := range r.assets {
			routed += len(assets)
		}
	}
	results := a.fetchAll(ctx, reqs)

	snap := models.Snapshot{Prices: make(map[string]decimal.Decimal, len(ids)), FetchedAt: a.now()}
	for _, r := range results {
		if r.Err != nil {
			a.log.Warn("Price provider unavailable",
				zap.String("provider", r.Provider),
				zap.Duration("took", r.Took),
				zap.Error(r.Err),
			)
			continue
		}
		for id, p := range r.Prices {
			snap.Prices[id] = p
		}
	}
	span.SetAttributes(attribute.Int("assets.priced", snap.Len()))

	if snap.Len() == 0 {
		span.SetStatus(codes.Error, ErrNoPrices.Error())
		a.log.Error("No prices available from any provider", zap.Strings("assets", ids))
		return snap, ErrNoPrices
	}
	if missing := routed - snap.Len(); missing > 0 {
		// Not cached, so a recovered provider is picked up on the next cycle.
		a.log.Info("Snapshot is partial", zap.Int("priced", snap.Len()), zap.Int("missing", missing))
		return snap, nil
	}

	a.cache.Set(ctx, key, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for assetIDs.
func (a *Aggregator) Invalidate(ctx context.Context, assetIDs []string) {
	a.cache.Invalidate(ctx, snapshotKey(normalize(assetIDs)))
}

// fetchAll runs every request concurrently, each under its own timeout, and
// waits for all of them. Cancellation of ctx makes outstanding calls report
// an error, which the caller treats as missing data.
func (a *Aggregator) fetchAll(ctx context.Context, reqs []*request) []Result {
	ch := make(chan Result, len(reqs))
	for _, r := range reqs {
		go func(r *request) {
			ch <- a.fetchOne(ctx, r)
		}(r)
	}
	results := make([]Result, 0, len(reqs))
	for range reqs {
		results = append(results, <-ch)
	}
	return results
}

type batch struct {
	prices map[string]decimal.Decimal
	err    error
}

// resolve maps a provider batch keyed by ticker to prices keyed by asset id.
func (r *request) resolve(b batch) (map[string]decimal.Decimal, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make(map[string]decimal.Decimal, len(b.prices))
	for ticker, p := range b.prices {
		for _, id := range r.assets[ticker] {
			out[id] = p
		}
	}
	return out, nil
}

// fetchOne calls one provider. When its timeout or the parent context
// expires the provider gets a short grace period to return partial prices;
// after that the call is abandoned, even if the provider ignores cancellation.
func (a *Aggregator) fetchOne(ctx context.Context, r *request) Result {
	name := r.provider.Name()
	res := Result{Provider: name}

	ctx, span := tracing.Tracer().Start(ctx, "provider."+name)
	defer span.End()
	span.SetAttributes(attribute.Int("tickers", len(r.tickers)))

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan batch, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Error("Price provider panicked", zap.String("provider", name), zap.Any("panic", rec))
				done <- batch{err: fmt.Errorf("%w: %s panicked", providers.ErrUpstream, name)}
			}
		}()
		prices, err := r.provider.FetchBatch(ctx, r.tickers)
		done <- batch{prices: prices, err: err}
	}()

	select {
	case b := <-done:
		res.Prices, res.Err = r.resolve(b)
	case <-ctx.Done():
		// Providers that honor cancellation return what they priced so far.
		grace := time.NewTimer(a.grace)
		select {
		case b := <-done:
			res.Prices, res.Err = r.resolve(b)
		case <-grace.C:
			res.Err = fmt.Errorf("%w: %s: %w", providers.ErrUpstream, name, ctx.Err())
		}
		grace.Stop()
	}
	res.Took = time.Since(start)

	providerRequestDuration.WithLabelValues(name).Observe(res.Took.Seconds())
	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, res.Err.Error())
	}
	providerRequestsTotal.WithLabelValues(name, outcome).Inc()
	return res
}
