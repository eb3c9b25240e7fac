package evaluator

import (
	"sort"

	"github.com/shopspring/decimal"

	"pricealert/internal/models"
)

// Triggered pairs an alert whose condition held with the price that met it.
type Triggered struct {
	Alert models.PriceAlert
	Price decimal.Decimal
}

// Evaluate returns the alerts whose condition is met by the snapshot price of
// their asset. Inactive or already triggered alerts and alerts whose asset has
// no price in the snapshot are skipped. Alerts are not modified; the result is
// ordered by alert id so it does not depend on input order.
func Evaluate(alerts []models.PriceAlert, snapshot models.Snapshot) []Triggered {
	var out []Triggered
	for _, a := range alerts {
		if !a.Evaluable() {
			continue
		}
		price, ok := snapshot.Price(a.AssetID)
		if !ok {
			continue
		}
		if a.Condition.Met(price, a.TargetPrice) {
			out = append(out, Triggered{Alert: a, Price: price})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alert.ID < out[j].Alert.ID })
	return out
}

// AssetIDs returns the distinct asset ids referenced by evaluable alerts, sorted.
func AssetIDs(alerts []models.PriceAlert) []string {
	seen := make(map[string]struct{}, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		if !a.Evaluable() {
			continue
		}
		if _, ok := seen[a.AssetID]; ok {
			continue
		}
		seen[a.AssetID] = struct{}{}
		ids = append(ids, a.AssetID)
	}
	sort.Strings(ids)
	return ids
}
