package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the direction a price must cross for an alert to fire.
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	return c == ConditionAbove || c == ConditionBelow
}

// Met reports whether price satisfies c against target. Both directions are
// inclusive: a price exactly at target fires.
func (c Condition) Met(price, target decimal.Decimal) bool {
	switch c {
	case ConditionAbove:
		return price.GreaterThanOrEqual(target)
	case ConditionBelow:
		return price.LessThanOrEqual(target)
	default:
		return false
	}
}

// PriceAlert represents a one-shot price alert owned by a user.
// Once IsTriggered is set the alert is inactive and TriggeredAt/TriggeredPrice
// are fixed.
type PriceAlert struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	AssetID        string           `json:"asset_id" db:"asset_id"`
	AssetName      string           `json:"asset_name" db:"asset_name"`
	AssetSymbol    string           `json:"asset_symbol" db:"asset_symbol"`
	TargetPrice    decimal.Decimal  `json:"target_price" db:"target_price"`
	Condition      Condition        `json:"condition" db:"condition"`
	IsActive       bool             `json:"is_active" db:"is_active"`
	IsTriggered    bool             `json:"is_triggered" db:"is_triggered"`
	TriggeredAt    *time.Time       `json:"triggered_at,omitempty" db:"triggered_at"`
	TriggeredPrice *decimal.Decimal `json:"triggered_price,omitempty" db:"triggered_price"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Evaluable reports whether the alert should be checked against prices.
func (a PriceAlert) Evaluable() bool {
	return a.IsActive && !a.IsTriggered
}

// Validate checks the fields a caller must supply when creating an alert.
func (a PriceAlert) Validate() error {
	if a.UserID == "" || a.AssetID == "" {
		return fmt.Errorf("user_id and asset_id are required")
	}
	if !a.Condition.Valid() {
		return fmt.Errorf("condition must be %q or %q", ConditionAbove, ConditionBelow)
	}
	if !a.TargetPrice.IsPositive() {
		return fmt.Errorf("target_price must be positive")
	}
	return nil
}

// DigestFrequency controls how often digest emails are sent.
type DigestFrequency string

const (
	DigestInstant DigestFrequency = "instant"
	DigestDaily   DigestFrequency = "daily"
	DigestWeekly  DigestFrequency = "weekly"
)

// Valid reports whether f is a known frequency.
func (f DigestFrequency) Valid() bool {
	switch f {
	case DigestInstant, DigestDaily, DigestWeekly:
		return true
	}
	return false
}

// NotificationPreferences are per-user delivery settings.
type NotificationPreferences struct {
	UserID            string          `json:"user_id" db:"user_id"`
	Email             string          `json:"email,omitempty" db:"email"`
	EmailEnabled      bool            `json:"email_enabled" db:"email_enabled"`
	PushEnabled       bool            `json:"push_enabled" db:"push_enabled"`
	EmailDigest       bool            `json:"email_digest" db:"email_digest"`
	DigestFrequency   DigestFrequency `json:"digest_frequency" db:"digest_frequency"`
	QuietHoursEnabled bool            `json:"quiet_hours_enabled" db:"quiet_hours_enabled"`
	QuietHoursStart   string          `json:"quiet_hours_start,omitempty" db:"quiet_hours_start"` // "HH:MM"
	QuietHoursEnd     string          `json:"quiet_hours_end,omitempty" db:"quiet_hours_end"`     // "HH:MM"
	Timezone          string          `json:"timezone,omitempty" db:"timezone"`                   // IANA name, UTC when empty
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultPreferences returns the settings a user gets on first access.
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:          userID,
		EmailEnabled:    true,
		PushEnabled:     true,
		DigestFrequency: DigestInstant,
	}
}

// InstantEmail reports whether triggered alerts should be emailed right away
// rather than held for a digest.
func (p NotificationPreferences) InstantEmail() bool {
	return !p.EmailDigest || p.DigestFrequency == DigestInstant || p.DigestFrequency == ""
}

// Snapshot is the set of prices observed in one evaluation cycle, keyed by asset id.
type Snapshot struct {
	Prices    map[string]decimal.Decimal `json:"prices"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Price returns the observed price for assetID.
func (s Snapshot) Price(assetID string) (decimal.Decimal, bool) {
	p, ok := s.Prices[assetID]
	return p, ok
}

// Len returns the number of priced assets.
func (s Snapshot) Len() int { return len(s.Prices) }
