// Command price_processing consumes price.updates from Kafka and evaluates
// active alerts against each pushed price as it arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/app"
	"pricealert/internal/config"
	"pricealert/internal/events"
	"pricealert/internal/logger"
	"pricealert/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}
	group := flag.String("group", "price-processing-group", "Kafka consumer group")
	flag.Parse()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if cfg.KafkaBrokers == "" {
		log.Fatal("KAFKA_BROKERS is required for price processing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	consumer, err := events.NewPriceConsumer(cfg.KafkaBrokers, *group, cfg.PricesTopic, log)
	if err != nil {
		log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	log.Info("Listening for price updates", zap.String("topic", cfg.PricesTopic))
	_ = consumer.Run(ctx, func(ctx context.Context, u events.PriceUpdate) {
		snap := models.Snapshot{
			Prices:    map[string]decimal.Decimal{u.AssetID: u.Price},
			FetchedAt: u.Timestamp,
		}
		res, err := a.Checker.RunSnapshot(ctx, snap)
		if err != nil {
			log.Error("Failed to evaluate price update", zap.String("asset_id", u.AssetID), zap.Error(err))
			return
		}
		if res.Triggered > 0 {
			log.Info("Alerts triggered from price update",
				zap.String("asset_id", u.AssetID),
				zap.Strings("alerts", res.TriggeredAlerts))
		}
	})
	log.Info("Shutdown signal received")
}
