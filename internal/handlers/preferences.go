package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pricealert/internal/database"
	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/quiethours"
	"pricealert/internal/tracing"
)

// PreferencesHandler serves GET and PUT /preferences/{user_id}.
type PreferencesHandler struct {
	store database.Store
	log   *zap.Logger
}

func NewPreferencesHandler(store database.Store, log *zap.Logger) *PreferencesHandler {
	return &PreferencesHandler{store: store, log: logger.OrNop(log)}
}

func (h *PreferencesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/preferences"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		http.NotFound(w, r)
		return
	}

	ctx, span := tracing.Tracer().Start(r.Context(), "PreferencesHandler."+r.Method)
	defer span.End()

	switch r.Method {
	case http.MethodGet:
		prefs, err := h.store.GetPreferences(ctx, []string{userID})
		if err != nil {
			h.log.Error("Failed to load preferences", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "Failed to load preferences", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, Response{Message: "Preferences retrieved successfully", Data: prefs[userID]})

	case http.MethodPut:
		var p models.NotificationPreferences
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		p.UserID = userID
		if p.DigestFrequency == "" {
			p.DigestFrequency = models.DigestInstant
		}
		if msg := validatePreferences(p); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		if err := h.store.UpsertPreferences(ctx, p); err != nil {
			h.log.Error("Failed to save preferences", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "Failed to save preferences", http.StatusInternalServerError)
			return
		}
		prefs, err := h.store.GetPreferences(ctx, []string{userID})
		if err != nil {
			http.Error(w, "Failed to load preferences", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, Response{Message: "Preferences updated successfully", Data: prefs[userID]})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func validatePreferences(p models.NotificationPreferences) string {
	if !p.DigestFrequency.Valid() {
		return "digest_frequency must be instant, daily or weekly"
	}
	if p.QuietHoursEnabled {
		if _, err := quiethours.ParseClock(p.QuietHoursStart); err != nil {
			return "quiet_hours_start: " + err.Error()
		}
		if _, err := quiethours.ParseClock(p.QuietHoursEnd); err != nil {
			return "quiet_hours_end: " + err.Error()
		}
	}
	if p.EmailEnabled && p.Email != "" && !strings.Contains(p.Email, "@") {
		return "email is not a valid address"
	}
	return ""
}
