package checker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricealert/internal/aggregator"
	"pricealert/internal/database"
	"pricealert/internal/evaluator"
	"pricealert/internal/events"
	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/notify"
	"pricealert/internal/tracing"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "check_cycles_total",
			Help: "Alert check cycles by outcome",
		},
		[]string{"outcome"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "check_cycle_duration_seconds",
			Help:    "Duration of alert check cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
	alertsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_triggered_total",
			Help: "Alerts moved to the triggered state",
		},
	)
	markConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_mark_conflicts_total",
			Help: "Triggers skipped because the alert was no longer active",
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(alertsTriggeredTotal)
	prometheus.MustRegister(markConflictsTotal)
}

// SnapshotSource supplies prices for a set of assets.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, assetIDs []string) (models.Snapshot, error)
}

// Notifier delivers a triggered alert to the user.
type Notifier interface {
	Dispatch(ctx context.Context, alert models.PriceAlert, price decimal.Decimal, prefs models.NotificationPreferences, now time.Time) notify.Outcome
}

// Result summarizes one check cycle.
type Result struct {
	CycleID         string    `json:"cycleId"`
	Triggered       int       `json:"triggered"`
	TriggeredAlerts []string  `json:"triggeredAlerts"`
	Timestamp       time.Time `json:"timestamp"`
}

// Checker runs the fetch, evaluate, mark and notify pipeline.
type Checker struct {
	store        database.Store
	prices       SnapshotSource
	notifier     Notifier
	events       events.Publisher
	cycleTimeout time.Duration
	parallel     int
	now          func() time.Time
	log          *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithEvents sets the event publisher (default discards).
func WithEvents(p events.Publisher) Option { return func(c *Checker) { c.events = p } }

// WithCycleTimeout bounds the price fetching phase (default 30s).
func WithCycleTimeout(d time.Duration) Option { return func(c *Checker) { c.cycleTimeout = d } }

// WithParallelism sets how many triggered alerts are processed at once (default 8).
func WithParallelism(n int) Option { return func(c *Checker) { c.parallel = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Checker) { c.log = logger.OrNop(l) } }

// New builds a Checker.
func New(store database.Store, prices SnapshotSource, notifier Notifier, opts ...Option) *Checker {
	c := &Checker{
		store:        store,
		prices:       prices,
		notifier:     notifier,
		events:       events.Nop{},
		cycleTimeout: 30 * time.Second,
		parallel:     8,
		now:          time.Now,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one full cycle. It fails only when the active alerts cannot be
// loaded or no price at all is available (aggregator.ErrNoPrices); in both
// cases no alert is touched.
func (c *Checker) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	cycleID := uuid.NewString()
	ctx, span := tracing.Tracer().Start(ctx, "checker.Run")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	log := c.log.With(zap.String("cycle_id", cycleID))
	res := Result{CycleID: cycleID, TriggeredAlerts: []string{}, Timestamp: c.now().UTC()}

	alerts, err := c.store.ListActiveAlerts(ctx)
	if err != nil {
		c.finish(span, "store_error", start)
		log.Error("Failed to load active alerts", zap.Error(err))
		return res, fmt.Errorf("list active alerts: %w", err)
	}
	if len(alerts) == 0 {
		c.finish(span, "idle", start)
		log.Debug("No active alerts")
		return res, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	snap, err := c.prices.FetchSnapshot(fetchCtx, evaluator.AssetIDs(alerts))
	cancel()
	if err != nil {
		outcome := "fetch_error"
		if errors.Is(err, aggregator.ErrNoPrices) {
			outcome = "no_data"
		}
		c.finish(span, outcome, start)
		log.Error("Skipping cycle without prices", zap.Int("alerts", len(alerts)), zap.Error(err))
		return res, err
	}

	if err := c.events.PublishPrices(ctx, "aggregator", snap); err != nil {
		log.Warn("Failed to publish price updates", zap.Error(err))
	}

	// Triggers committed in this cycle must be notified even if the caller
	// goes away.
	res, err = c.process(context.WithoutCancel(ctx), log, res, alerts, snap)
	if err != nil {
		c.finish(span, "store_error", start)
		return res, err
	}
	span.SetAttributes(attribute.Int("alerts.triggered", res.Triggered))
	c.finish(span, "ok", start)
	log.Info("Check cycle complete",
		zap.Int("alerts", len(alerts)),
		zap.Int("priced_assets", snap.Len()),
		zap.Int("triggered", res.Triggered),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// RunSnapshot evaluates active alerts against prices that were pushed rather
// than fetched, such as a streamed price update.
func (c *Checker) RunSnapshot(ctx context.Context, snap models.Snapshot) (Result, error) {
	cycleID := uuid.NewString()
	ctx, span := tracing.Tracer().Start(ctx, "checker.RunSnapshot")
	defer span.End()

	log := c.log.With(zap.String("cycle_id", cycleID))
	res := Result{CycleID: cycleID, TriggeredAlerts: []string{}, Timestamp: c.now().UTC()}

	alerts, err := c.store.ListActiveAlerts(ctx)
	if err != nil {
		return res, fmt.Errorf("list active alerts: %w", err)
	}
	return c.process(context.WithoutCancel(ctx), log, res, alerts, snap)
}

func (c *Checker) finish(span trace.Span, outcome string, start time.Time) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(time.Since(start).Seconds())
	if outcome != "ok" && outcome != "idle" {
		span.SetStatus(codes.Error, outcome)
	}
}

func (c *Checker) process(ctx context.Context, log *zap.Logger, res Result, alerts []models.PriceAlert, snap models.Snapshot) (Result, error) {
	hits := evaluator.Evaluate(alerts, snap)
	if len(hits) == 0 {
		return res, nil
	}

	prefs, err := c.store.GetPreferences(ctx, userIDs(hits))
	if err != nil {
		log.Error("Failed to load notification preferences", zap.Error(err))
		return res, fmt.Errorf("load preferences: %w", err)
	}

	var (
		mu    sync.Mutex
		fired []string
		g     errgroup.Group
	)
	g.SetLimit(c.parallel)
	for _, hit := range hits {
		g.Go(func() error {
			p, ok := prefs[hit.Alert.UserID]
			if !ok {
				p = models.DefaultPreferences(hit.Alert.UserID)
			}
			if c.handle(ctx, log, res.CycleID, hit, p) {
				mu.Lock()
				fired = append(fired, hit.Alert.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(fired)
	if fired != nil {
		res.TriggeredAlerts = fired
	}
	res.Triggered = len(fired)
	return res, nil
}

// handle commits the trigger and notifies. It reports whether this call
// moved the alert to triggered.
func (c *Checker) handle(ctx context.Context, log *zap.Logger, cycleID string, hit evaluator.Triggered, prefs models.NotificationPreferences) bool {
	alert := hit.Alert
	log = log.With(zap.String("alert_id", alert.ID), zap.String("asset_id", alert.AssetID))
	now := c.now().UTC()

	result, err := c.store.MarkTriggered(ctx, alert.ID, hit.Price, now)
	if err != nil {
		log.Error("Failed to mark alert triggered", zap.Error(err))
		return false
	}
	if result == database.MarkConflict {
		markConflictsTotal.Inc()
		log.Info("Alert already handled elsewhere, skipping notification")
		return false
	}
	alertsTriggeredTotal.Inc()

	alert.IsActive = false
	alert.IsTriggered = true
	alert.TriggeredAt = &now
	price := hit.Price
	alert.TriggeredPrice = &price

	log.Info("Alert triggered",
		zap.String("condition", string(alert.Condition)),
		zap.String("target", alert.TargetPrice.String()),
		zap.String("price", hit.Price.String()),
	)

	if err := c.events.PublishTriggered(ctx, events.TriggeredEvent{
		CycleID:     cycleID,
		AlertID:     alert.ID,
		UserID:      alert.UserID,
		AssetID:     alert.AssetID,
		Condition:   alert.Condition,
		TargetPrice: alert.TargetPrice,
		Price:       hit.Price,
		TriggeredAt: now,
	}); err != nil {
		log.Warn("Failed to publish triggered event", zap.Error(err))
	}

	c.notifier.Dispatch(ctx, alert, hit.Price, prefs, now)
	return true
}

func userIDs(hits []evaluator.Triggered) []string {
	seen := make(map[string]struct{}, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.Alert.UserID]; ok {
			continue
		}
		seen[h.Alert.UserID] = struct{}{}
		out = append(out, h.Alert.UserID)
	}
	sort.Strings(out)
	return out
}
