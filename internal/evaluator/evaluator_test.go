package evaluator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricealert/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func alert(id, asset string, cond models.Condition, target string) models.PriceAlert {
	return models.PriceAlert{
		ID:          id,
		UserID:      "u1",
		AssetID:     asset,
		TargetPrice: d(target),
		Condition:   cond,
		IsActive:    true,
	}
}

func snapshot(prices map[string]string) models.Snapshot {
	s := models.Snapshot{Prices: map[string]decimal.Decimal{}, FetchedAt: time.Now()}
	for k, v := range prices {
		s.Prices[k] = d(v)
	}
	return s
}

func TestEvaluate_GoldAboveTriggers(t *testing.T) {
	a := alert("a1", "gold", models.ConditionAbove, "2000")
	got := Evaluate([]models.PriceAlert{a}, snapshot(map[string]string{"gold": "2005"}))

	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].Alert.ID)
	assert.True(t, got[0].Price.Equal(d("2005")))
}

func TestEvaluate_BoundaryIsInclusive(t *testing.T) {
	alerts := []models.PriceAlert{
		alert("above", "gold", models.ConditionAbove, "2000"),
		alert("below", "gold", models.ConditionBelow, "2000"),
	}
	got := Evaluate(alerts, snapshot(map[string]string{"gold": "2000.00"}))
	require.Len(t, got, 2)
}

func TestEvaluate_OutOfRangeTargetsOnSameAsset(t *testing.T) {
	alerts := []models.PriceAlert{
		alert("a-2100", "gold", models.ConditionAbove, "2100"),
		alert("b-1900", "gold", models.ConditionBelow, "1900"),
		alert("c-1900", "gold", models.ConditionAbove, "1900"),
		alert("d-2100", "gold", models.ConditionBelow, "2100"),
	}
	got := Evaluate(alerts, snapshot(map[string]string{"gold": "2000"}))

	ids := make([]string, 0, len(got))
	for _, tr := range got {
		ids = append(ids, tr.Alert.ID)
	}
	assert.Equal(t, []string{"c-1900", "d-2100"}, ids)
}

func TestEvaluate_SkipsMissingAssetAndNonEvaluable(t *testing.T) {
	inactive := alert("inactive", "gold", models.ConditionAbove, "1")
	inactive.IsActive = false
	done := alert("done", "gold", models.ConditionAbove, "1")
	done.IsActive = false
	done.IsTriggered = true

	alerts := []models.PriceAlert{
		inactive,
		done,
		alert("nodata", "bitcoin", models.ConditionAbove, "1"),
	}
	got := Evaluate(alerts, snapshot(map[string]string{"gold": "2000"}))
	assert.Empty(t, got)
}

func TestEvaluate_OrderIndependentAndPure(t *testing.T) {
	alerts := []models.PriceAlert{
		alert("z", "gold", models.ConditionAbove, "1000"),
		alert("a", "silver", models.ConditionBelow, "30"),
		alert("m", "gold", models.ConditionBelow, "3000"),
	}
	snap := snapshot(map[string]string{"gold": "2000", "silver": "25"})

	forward := Evaluate(alerts, snap)
	reversed := Evaluate([]models.PriceAlert{alerts[2], alerts[1], alerts[0]}, snap)
	assert.Equal(t, forward, reversed)

	for _, a := range alerts {
		assert.True(t, a.IsActive)
		assert.False(t, a.IsTriggered)
		assert.Nil(t, a.TriggeredAt)
	}
}

func TestAssetIDs(t *testing.T) {
	paused := alert("p", "platinum", models.ConditionAbove, "1")
	paused.IsActive = false
	alerts := []models.PriceAlert{
		alert("1", "gold", models.ConditionAbove, "1"),
		alert("2", "bitcoin", models.ConditionAbove, "1"),
		alert("3", "gold", models.ConditionBelow, "1"),
		paused,
	}
	assert.Equal(t, []string{"bitcoin", "gold"}, AssetIDs(alerts))
}
