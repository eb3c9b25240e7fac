// Command ingestion polls every catalog asset and publishes the prices to
// the Kafka price.updates topic for downstream consumers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pricealert/internal/app"
	"pricealert/internal/config"
	"pricealert/internal/logger"
	"pricealert/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}
	interval := flag.Duration("interval", 15*time.Second, "How often to publish a full price snapshot")
	flag.Parse()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if cfg.KafkaBrokers == "" {
		log.Fatal("KAFKA_BROKERS is required for ingestion")
	}
	// Ingestion never touches alerts.
	cfg.DBDriver = "memory"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()
	if err := a.Start(ctx, false); err != nil {
		log.Fatal("Failed to start price stream", zap.Error(err))
	}

	ids := a.Catalog.IDs()
	sched := scheduler.New(log)
	sched.Add("publish-prices", *interval, func(ctx context.Context) {
		snap, err := a.Aggregator.FetchSnapshot(ctx, ids)
		if err != nil {
			log.Warn("No snapshot to publish", zap.Error(err))
			return
		}
		if err := a.Events.PublishPrices(ctx, "ingestion", snap); err != nil {
			log.Error("Failed to publish prices", zap.Error(err))
			return
		}
		log.Info("Published price snapshot", zap.Int("assets", snap.Len()))
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to schedule ingestion", zap.Error(err))
	}
	defer sched.Stop()

	<-ctx.Done()
	log.Info("Shutdown signal received")
}
