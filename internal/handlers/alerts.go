package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/cache"
	"pricealert/internal/database"
	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/providers"
	"pricealert/internal/tracing"
)

const browsePrefix = "browse_alerts_"

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type CreateAlertRequest struct {
	UserID      string           `json:"user_id"`
	AssetID     string           `json:"asset_id"`
	TargetPrice decimal.Decimal  `json:"target_price"`
	Condition   models.Condition `json:"condition"`
}

// AlertsHandler serves the alert lifecycle endpoints under /alerts.
type AlertsHandler struct {
	store   database.Store
	catalog *providers.Catalog
	browse  cache.Store[string]
	log     *zap.Logger
}

// NewAlertsHandler builds the handler. browse caches list responses per query.
func NewAlertsHandler(store database.Store, catalog *providers.Catalog, browse cache.Store[string], log *zap.Logger) *AlertsHandler {
	return &AlertsHandler{store: store, catalog: catalog, browse: browse, log: logger.OrNop(log)}
}

// ServeHTTP routes /alerts, /alerts/{id} and /alerts/{id}/{pause|activate}.
func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	if len(pathParts) < 2 || pathParts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			h.Browse(w, r)
		case http.MethodPost:
			h.Create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	alertID := pathParts[1]
	if len(pathParts) == 3 && r.Method == http.MethodPost {
		switch pathParts[2] {
		case "pause":
			h.setActive(w, r, alertID, false)
			return
		case "activate":
			h.setActive(w, r, alertID, true)
			return
		}
	}
	if len(pathParts) > 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.Get(w, r, alertID)
	case http.MethodDelete:
		h.Delete(w, r, alertID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Browse lists a user's alerts.
func (h *AlertsHandler) Browse(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "AlertsHandler.Browse")
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}

	cacheKey := generateCacheKey(r, browsePrefix)
	if cached, ok := h.browse.Get(ctx, cacheKey); ok {
		h.log.Debug("Cache hit for /alerts", zap.String("trace_id", traceID), zap.String("cache_key", cacheKey))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cached))
		return
	}

	alerts, err := h.store.ListAlertsByUser(ctx, userID)
	if err != nil {
		h.log.Error("Failed to fetch alerts", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []models.PriceAlert{}
	}

	respBytes, err := json.Marshal(Response{Message: "Alerts retrieved successfully", Data: alerts})
	if err != nil {
		h.log.Error("Failed to encode JSON response", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}
	h.browse.Set(ctx, cacheKey, string(respBytes))

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

// Create validates and stores a new active alert.
func (h *AlertsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "AlertsHandler.Create")
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Warn("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	asset, ok := h.catalog.Lookup(req.AssetID)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown asset_id %q", req.AssetID), http.StatusBadRequest)
		return
	}

	alert := &models.PriceAlert{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		AssetID:     asset.ID,
		AssetName:   asset.Name,
		AssetSymbol: asset.Symbol,
		TargetPrice: req.TargetPrice,
		Condition:   req.Condition,
		IsActive:    true,
	}
	if err := alert.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.CreateAlert(ctx, alert); err != nil {
		h.storeError(w, traceID, alert.ID, "create", err)
		return
	}
	h.browse.InvalidatePrefix(ctx, browsePrefix)

	writeJSON(w, http.StatusCreated, Response{Message: "Alert created successfully", Data: alert})
}

// Get returns one alert.
func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "AlertsHandler.Get")
	defer span.End()

	alert, err := h.store.GetAlert(ctx, alertID)
	if err != nil {
		h.storeError(w, span.SpanContext().TraceID().String(), alertID, "fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alert retrieved successfully", Data: alert})
}

// Delete removes an alert.
func (h *AlertsHandler) Delete(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "AlertsHandler.Delete")
	defer span.End()

	if err := h.store.DeleteAlert(ctx, alertID); err != nil {
		h.storeError(w, span.SpanContext().TraceID().String(), alertID, "delete", err)
		return
	}
	h.browse.InvalidatePrefix(ctx, browsePrefix)
	writeJSON(w, http.StatusOK, Response{Message: "Alert deleted successfully"})
}

func (h *AlertsHandler) setActive(w http.ResponseWriter, r *http.Request, alertID string, active bool) {
	op := "pause"
	if active {
		op = "activate"
	}
	ctx, span := tracing.Tracer().Start(r.Context(), "AlertsHandler."+op)
	defer span.End()

	var err error
	if active {
		err = h.store.ActivateAlert(ctx, alertID)
	} else {
		err = h.store.PauseAlert(ctx, alertID)
	}
	if err != nil {
		h.storeError(w, span.SpanContext().TraceID().String(), alertID, op, err)
		return
	}
	h.browse.InvalidatePrefix(ctx, browsePrefix)

	alert, err := h.store.GetAlert(ctx, alertID)
	if err != nil {
		h.storeError(w, span.SpanContext().TraceID().String(), alertID, "fetch", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "Alert updated successfully", Data: alert})
}

func (h *AlertsHandler) storeError(w http.ResponseWriter, traceID, alertID, op string, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, "Alert not found", http.StatusNotFound)
	case errors.Is(err, database.ErrAlreadyTriggered):
		http.Error(w, "Alert already triggered", http.StatusConflict)
	case errors.Is(err, database.ErrDuplicate):
		http.Error(w, "Alert already exists", http.StatusConflict)
	default:
		h.log.Error("Alert store operation failed",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.String("op", op),
			zap.Error(err),
		)
		http.Error(w, "Failed to "+op+" alert", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}
	joinedParams := strings.Join(queryString, "&")

	hash := sha256.Sum256([]byte(joinedParams))
	return prefix + hex.EncodeToString(hash[:8])
}
