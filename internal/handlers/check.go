package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pricealert/internal/aggregator"
	"pricealert/internal/checker"
	"pricealert/internal/logger"
)

// Runner runs one alert check cycle.
type Runner interface {
	Run(ctx context.Context) (checker.Result, error)
}

type checkResponse struct {
	Success         bool     `json:"success"`
	Triggered       int      `json:"triggered"`
	TriggeredAlerts []string `json:"triggeredAlerts"`
	Timestamp       string   `json:"timestamp"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// CheckHandler triggers a check cycle. It takes no body and accepts GET or POST.
func CheckHandler(runner Runner, log *zap.Logger) http.HandlerFunc {
	log = logger.OrNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		res, err := runner.Run(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, aggregator.ErrNoPrices) {
				status = http.StatusServiceUnavailable
			}
			log.Error("Price alert check failed", zap.Int("status", status), zap.Error(err))
			writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
			return
		}

		ids := res.TriggeredAlerts
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, checkResponse{
			Success:         true,
			Triggered:       res.Triggered,
			TriggeredAlerts: ids,
			Timestamp:       res.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
