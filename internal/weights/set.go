package weights

import (
	"fmt"
	"math"
	"time"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// SumEpsilon is the tolerance on the weights-sum-to-one invariant.
const SumEpsilon = 1e-6

// DefaultWeightSet is the seed set used before any adjuster run or manual
// override has published a version.
func DefaultWeightSet() types.WeightSet {
	return types.WeightSet{
		Version:           1,
		Price:             0.20,
		Speed:             0.20,
		Rating:            0.15,
		HistoricalSuccess: 0.15,
		DeliveryFee:       0.10,
		MinOrder:          0.05,
		Distance:          0.10,
		CuisineMatch:      0.05,
		Source:            "default",
		CreatedAt:         time.Now(),
	}
}

// PricePreset heavily favors cheap quotes. Used for optimize_for=price.
func PricePreset() types.WeightSet {
	return types.WeightSet{
		Price:             0.40,
		Speed:             0.10,
		Rating:            0.10,
		HistoricalSuccess: 0.10,
		DeliveryFee:       0.15,
		MinOrder:          0.05,
		Distance:          0.05,
		CuisineMatch:      0.05,
		Source:            "preset",
		CreatedAt:         time.Now(),
	}
}

// SpeedPreset heavily favors fast quotes. Used for optimize_for=speed.
func SpeedPreset() types.WeightSet {
	return types.WeightSet{
		Price:             0.10,
		Speed:             0.40,
		Rating:            0.10,
		HistoricalSuccess: 0.15,
		DeliveryFee:       0.05,
		MinOrder:          0.05,
		Distance:          0.10,
		CuisineMatch:      0.05,
		Source:            "preset",
		CreatedAt:         time.Now(),
	}
}

// Validate checks the weight set invariants: every weight non-negative and
// the eight weights summing to 1 within SumEpsilon.
func Validate(ws types.WeightSet) error {
	for _, f := range types.AllFactors {
		if w := ws.Weight(f); w < 0 {
			return fmt.Errorf("weight %s is negative: %f", f, w)
		}
	}
	if sum := ws.Sum(); math.Abs(sum-1.0) > SumEpsilon {
		return fmt.Errorf("weights sum to %f, want 1.0", sum)
	}
	return nil
}

// Normalize rescales all weights so they sum to exactly 1.0. A zero-sum set
// cannot be normalized and is returned unchanged.
func Normalize(ws types.WeightSet) types.WeightSet {
	sum := ws.Sum()
	if sum == 0 {
		return ws
	}
	for _, f := range types.AllFactors {
		ws = ws.WithWeight(f, ws.Weight(f)/sum)
	}
	return ws
}
