package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricealert/internal/models"
)

// TriggeredEvent is emitted once per alert that moved to the triggered state.
type TriggeredEvent struct {
	CycleID     string           `json:"cycle_id"`
	AlertID     string           `json:"alert_id"`
	UserID      string           `json:"user_id"`
	AssetID     string           `json:"asset_id"`
	Condition   models.Condition `json:"condition"`
	TargetPrice decimal.Decimal  `json:"target_price"`
	Price       decimal.Decimal  `json:"price"`
	TriggeredAt time.Time        `json:"triggered_at"`
}

// PriceUpdate is one observed asset price.
type PriceUpdate struct {
	Source    string          `json:"source"`
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher emits domain events to downstream consumers.
type Publisher interface {
	PublishTriggered(ctx context.Context, ev TriggeredEvent) error
	PublishPrices(ctx context.Context, source string, snapshot models.Snapshot) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTriggered(context.Context, TriggeredEvent) error       { return nil }
func (Nop) PublishPrices(context.Context, string, models.Snapshot) error { return nil }
func (Nop) Close()                                                       {}

// PriceUpdates flattens a snapshot into one update per asset.
func PriceUpdates(source string, snapshot models.Snapshot) []PriceUpdate {
	out := make([]PriceUpdate, 0, len(snapshot.Prices))
	for id, p := range snapshot.Prices {
		out = append(out, PriceUpdate{Source: source, AssetID: id, Price: p, Timestamp: snapshot.FetchedAt})
	}
	return out
}

// DecodePriceUpdate parses and validates a price.updates message value.
func DecodePriceUpdate(b []byte) (PriceUpdate, error) {
	var u PriceUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("decode price update: %w", err)
	}
	if u.AssetID == "" {
		return u, fmt.Errorf("price update without asset_id")
	}
	if !u.Price.IsPositive() {
		return u, fmt.Errorf("price update for %s has non-positive price %s", u.AssetID, u.Price)
	}
	return u, nil
}
