package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pricealert/internal/app"
	"pricealert/internal/config"
	"pricealert/internal/handlers"
	"pricealert/internal/logger"
	"pricealert/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}
	addr := flag.String("addr", cfg.HTTPAddr, "Listen address for the alerts service")
	instance := flag.String("instance", cfg.Instance, "Instance ID for this server")
	flag.Parse()

	if err := logger.InitLogger(cfg.LogLevel); err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	log := logger.Log.With(zap.String("instance", *instance))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	if err := a.ListenPush(ctx); err != nil {
		log.Fatal("Failed to subscribe to push messages", zap.Error(err))
	}
	if err := a.Start(ctx, true); err != nil {
		log.Fatal("Failed to start background jobs", zap.Error(err))
	}

	var check http.Handler = handlers.CheckHandler(a.Checker, log)
	if limiter := a.Limiter(); limiter != nil {
		check = handlers.RateLimit(limiter, cfg.TriggerPerMin, log)(check)
	}
	alerts := handlers.NewAlertsHandler(a.Store, a.Catalog, a.BrowseCache(), log)

	mux := http.NewServeMux()
	mux.Handle("/api/check-price-alerts", check)
	mux.Handle("/alerts/stream", a.Hub)
	mux.Handle("/alerts", alerts)
	mux.Handle("/alerts/", alerts)
	mux.Handle("/preferences/", handlers.NewPreferencesHandler(a.Store, log))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HealthHandler)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Alerts service starting", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
}
