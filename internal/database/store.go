package database

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pricealert/internal/models"
)

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("alert not found")

// ErrAlreadyTriggered is returned when a lifecycle change is attempted on an
// alert that has already fired.
var ErrAlreadyTriggered = errors.New("alert already triggered")

// ErrDuplicate is returned when creating an alert whose id is already taken.
var ErrDuplicate = errors.New("alert already exists")

// MarkResult is the outcome of MarkTriggered.
type MarkResult int

const (
	// MarkApplied means this call moved the alert from active to triggered.
	MarkApplied MarkResult = iota + 1
	// MarkConflict means the alert was no longer active and untriggered.
	MarkConflict
)

func (r MarkResult) String() string {
	switch r {
	case MarkApplied:
		return "applied"
	case MarkConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Store is the system of record for alerts and notification preferences.
type Store interface {
	// ListActiveAlerts returns alerts that are active and not yet triggered.
	ListActiveAlerts(ctx context.Context) ([]models.PriceAlert, error)
	// GetPreferences returns preferences for each user id, creating defaults
	// for users that have none.
	GetPreferences(ctx context.Context, userIDs []string) (map[string]models.NotificationPreferences, error)
	// MarkTriggered atomically moves an active, untriggered alert to the
	// triggered state. Any other current state yields MarkConflict.
	MarkTriggered(ctx context.Context, alertID string, price decimal.Decimal, at time.Time) (MarkResult, error)

	// CreateAlert returns ErrDuplicate when the id is already taken.
	CreateAlert(ctx context.Context, alert *models.PriceAlert) error
	GetAlert(ctx context.Context, id string) (*models.PriceAlert, error)
	ListAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error)
	// PauseAlert and ActivateAlert toggle is_active on untriggered alerts;
	// triggered alerts return ErrAlreadyTriggered.
	PauseAlert(ctx context.Context, id string) error
	ActivateAlert(ctx context.Context, id string) error
	DeleteAlert(ctx context.Context, id string) error
	UpsertPreferences(ctx context.Context, prefs models.NotificationPreferences) error

	Close() error
}
