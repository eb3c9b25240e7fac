// Command checkalerts runs a single price alert check cycle and exits.
// It is meant for an external cron. The exit status is 1 when the cycle
// could not run, including when no prices were available.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pricealert/internal/app"
	"pricealert/internal/config"
	"pricealert/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The stream needs a long-lived connection; poll CoinGecko instead.
	cfg.CoinbaseStream = false

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	res, runErr := a.Checker.Run(ctx)
	out := map[string]any{
		"success":         runErr == nil,
		"triggered":       res.Triggered,
		"triggeredAlerts": res.TriggeredAlerts,
		"timestamp":       res.Timestamp.UTC().Format(time.RFC3339),
	}
	if runErr != nil {
		out = map[string]any{"success": false, "error": runErr.Error()}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if runErr != nil {
		log.Error("Check cycle failed", zap.Error(runErr))
		a.Close()
		os.Exit(1)
	}
}
