package weights

import (
	"math"
	"testing"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

func TestDefaultWeightSet_Valid(t *testing.T) {
	for name, ws := range map[string]types.WeightSet{
		"default": DefaultWeightSet(),
		"price":   PricePreset(),
		"speed":   SpeedPreset(),
	} {
		if err := Validate(ws); err != nil {
			t.Errorf("%s weight set invalid: %v", name, err)
		}
	}
}

func TestValidate_RejectsBadSum(t *testing.T) {
	ws := DefaultWeightSet()
	ws.Price += 0.1
	if err := Validate(ws); err == nil {
		t.Error("Expected validation failure for sum > 1")
	}
}

func TestValidate_RejectsNegativeWeight(t *testing.T) {
	ws := DefaultWeightSet()
	ws.Price = -0.05
	ws.Speed += 0.25 // keep the sum at 1.0 so only the sign trips
	if err := Validate(ws); err == nil {
		t.Error("Expected validation failure for negative weight")
	}
}

func TestNormalize(t *testing.T) {
	ws := types.WeightSet{Price: 2, Speed: 1, Rating: 1}
	normalized := Normalize(ws)

	if math.Abs(normalized.Sum()-1.0) > SumEpsilon {
		t.Fatalf("Normalized sum is %f, want 1.0", normalized.Sum())
	}
	if math.Abs(normalized.Price-0.5) > 1e-9 {
		t.Errorf("Expected price weight 0.5, got %f", normalized.Price)
	}

	// A zero set cannot be rescaled.
	zero := Normalize(types.WeightSet{})
	if zero.Sum() != 0 {
		t.Errorf("Zero set should stay zero, got sum %f", zero.Sum())
	}
}
