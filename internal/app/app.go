package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricealert/internal/aggregator"
	"pricealert/internal/cache"
	"pricealert/internal/checker"
	"pricealert/internal/config"
	"pricealert/internal/database"
	"pricealert/internal/events"
	"pricealert/internal/handlers"
	"pricealert/internal/models"
	"pricealert/internal/notify"
	"pricealert/internal/providers"
	"pricealert/internal/scheduler"
)

const browseTTL = 15 * time.Second

// App holds the wired components shared by the binaries.
type App struct {
	Config     config.Config
	Log        *zap.Logger
	Store      database.Store
	Redis      *redis.Client // nil without REDIS_ADDR
	Catalog    *providers.Catalog
	Aggregator *aggregator.Aggregator
	Dispatcher *notify.Dispatcher
	Events     events.Publisher
	Checker    *checker.Checker
	Hub        *handlers.Hub

	stream    *providers.CoinbaseStream
	scheduler *scheduler.Scheduler
}

// New connects to the configured backends and builds the pipeline.
// Optional backends (Redis, Kafka, SMTP, the Coinbase stream) are skipped
// when not configured.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Events: events.Nop{}}

	catalog, err := providers.LoadCatalog(cfg.AssetCatalog)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	if cfg.DBDriver == "memory" {
		a.Store = database.NewMemoryStore()
		log.Warn("Using in-memory store; alerts are lost on restart")
	} else {
		a.Store, err = database.Open(ctx, cfg.DBDriver, cfg.DBDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		a.Redis, err = cache.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	if cfg.KafkaBrokers != "" {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.AlertsTopic, cfg.PricesTopic, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Events = kp
	}

	a.Aggregator = aggregator.New(catalog, a.routes(), a.snapshotCache(),
		aggregator.WithTimeout(cfg.ProviderTimeout),
		aggregator.WithLogger(log),
	)

	a.Hub = handlers.NewHub(log)
	var push notify.PushSender = a.Hub
	if a.Redis != nil {
		push = notify.NewRedisPush(a.Redis)
	}
	var email notify.EmailSender
	if cfg.SMTPHost != "" {
		email = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, log)
	} else {
		log.Warn("SMTP_HOST not set; email channel disabled")
	}
	a.Dispatcher = notify.NewDispatcher(email, push, cfg.AlertsURL, log,
		notify.WithRecipients(notify.Directory(cfg.EmailDirectory)))

	a.Checker = checker.New(a.Store, a.Aggregator, a.Dispatcher,
		checker.WithEvents(a.Events),
		checker.WithCycleTimeout(cfg.CycleTimeout),
		checker.WithParallelism(cfg.DispatchParallel),
		checker.WithLogger(log),
	)
	return a, nil
}

func (a *App) routes() aggregator.Routes {
	hc := providers.NewHTTPClient(a.Config.ProviderTimeout)
	yahoo := providers.NewYahoo(a.Config.YahooURL, hc, a.Log)

	var crypto providers.Provider = providers.NewCoinGecko(a.Config.CoinGeckoURL, a.Config.CoinGeckoAPIKey, hc, a.Log)
	if a.Config.CoinbaseStream {
		a.stream = providers.NewCoinbaseStream(a.Config.CoinbaseWSURL, a.Catalog.Tickers("coinbase"), a.Config.SnapshotTTL, a.Log)
		crypto = a.stream
	}

	return aggregator.Routes{
		providers.CategoryMetal:  yahoo,
		providers.CategoryIndex:  yahoo,
		providers.CategoryCrypto: crypto,
	}
}

func (a *App) snapshotCache() cache.Store[models.Snapshot] {
	if a.Redis != nil {
		return cache.NewRedis[models.Snapshot](a.Redis, "snapshot", "snapshot:", a.Config.SnapshotTTL, a.Log)
	}
	return cache.Local(cache.New[string, models.Snapshot]("snapshot", a.Config.SnapshotTTL))
}

// BrowseCache returns the cache for alert list responses.
func (a *App) BrowseCache() cache.Store[string] {
	if a.Redis != nil {
		return cache.NewRedis[string](a.Redis, "browse", "browse:", browseTTL, a.Log)
	}
	return cache.Local(cache.New[string, string]("browse", browseTTL))
}

// Limiter returns a Redis rate limiter, or nil without Redis.
func (a *App) Limiter() handlers.Limiter {
	if a.Redis == nil {
		return nil
	}
	return redis_rate.NewLimiter(a.Redis)
}

// Start launches background work: the Coinbase stream and, when
// withSchedule is set and CHECK_INTERVAL is positive, periodic check cycles.
// Everything stops when ctx is done.
func (a *App) Start(ctx context.Context, withSchedule bool) error {
	if a.stream != nil {
		go a.stream.Run(ctx)
	}
	if withSchedule && a.Config.CheckInterval > 0 {
		a.scheduler = scheduler.New(a.Log)
		a.scheduler.Add("check-price-alerts", a.Config.CheckInterval, func(ctx context.Context) {
			if _, err := a.Checker.Run(ctx); err != nil {
				a.Log.Warn("Scheduled check failed", zap.Error(err))
			}
		})
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ListenPush relays Redis push messages into the SSE hub until ctx is done.
// Without Redis the hub already receives pushes directly.
func (a *App) ListenPush(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	sub, err := cache.NewRedisSubscriber(ctx, a.Redis, notify.PushChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", notify.PushChannel, err)
	}
	go func() {
		defer sub.Close()
		a.Hub.Listen(ctx, sub)
	}()
	return nil
}

// Close releases every backend. It is safe on a partially built App.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("Failed to close store", zap.Error(err))
		}
	}
}
