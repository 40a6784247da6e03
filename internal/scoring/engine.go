package scoring

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// NeutralSuccessRate is assumed for providers with no reliability history, so
// new providers are neither penalized nor favored until data accumulates.
const NeutralSuccessRate = 0.5

// Engine turns a batch of quotes into a deterministic ranking with a per
// factor contribution breakdown. Scoring is pure: the same quotes, weight set
// and reliability snapshot always produce the same result.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates a scoring engine.
func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Score ranks the batch under the given weight set. The reliability map may
// omit providers; missing entries get the neutral default.
func (e *Engine) Score(attemptID string, quotes []types.Quote, weights types.WeightSet, reliability map[string]types.ProviderMetrics) []types.ScoreCalculation {
	if len(quotes) == 0 {
		return nil
	}

	now := time.Now()
	calcs := make([]types.ScoreCalculation, 0, len(quotes))

	priceNorm := invertedRange(quotes, func(q types.Quote) float64 { return q.Price })
	speedNorm := invertedRange(quotes, func(q types.Quote) float64 { return q.ETAMinutes })
	feeNorm := invertedRange(quotes, func(q types.Quote) float64 { return q.DeliveryFee })
	minOrderNorm := invertedRange(quotes, func(q types.Quote) float64 { return q.MinOrder })
	distanceNorm := invertedRange(quotes, func(q types.Quote) float64 { return q.DistanceKm })

	for i, q := range quotes {
		normalized := map[string]float64{
			types.FactorPrice:             priceNorm[i],
			types.FactorSpeed:             speedNorm[i],
			types.FactorRating:            q.Rating / 5.0,
			types.FactorHistoricalSuccess: successRate(q.ProviderID, reliability),
			types.FactorDeliveryFee:       feeNorm[i],
			types.FactorMinOrder:          minOrderNorm[i],
			types.FactorDistance:          distanceNorm[i],
			types.FactorCuisineMatch:      boolScore(q.CuisineMatch),
		}

		factors := make(map[string]types.FactorScore, len(types.AllFactors))
		total := 0.0
		for _, f := range types.AllFactors {
			w := weights.Weight(f)
			contribution := w * normalized[f]
			factors[f] = types.FactorScore{
				Normalized:   normalized[f],
				Weight:       w,
				Contribution: contribution,
			}
			total += contribution
		}

		calcs = append(calcs, types.ScoreCalculation{
			AttemptID:        attemptID,
			ProviderID:       q.ProviderID,
			WeightSetVersion: weights.Version,
			WeightedTotal:    total,
			Factors:          factors,
			CreatedAt:        now,
		})
	}

	// Tie-break order: higher historical success, then lower price, then
	// lexicographic provider id. Guarantees a reproducible ranking.
	quoteByProvider := make(map[string]types.Quote, len(quotes))
	for _, q := range quotes {
		quoteByProvider[q.ProviderID] = q
	}

	sort.Slice(calcs, func(i, j int) bool {
		a, b := calcs[i], calcs[j]
		if a.WeightedTotal != b.WeightedTotal {
			return a.WeightedTotal > b.WeightedTotal
		}
		sa := a.Factors[types.FactorHistoricalSuccess].Normalized
		sb := b.Factors[types.FactorHistoricalSuccess].Normalized
		if sa != sb {
			return sa > sb
		}
		pa := quoteByProvider[a.ProviderID].Price
		pb := quoteByProvider[b.ProviderID].Price
		if pa != pb {
			return pa < pb
		}
		return a.ProviderID < b.ProviderID
	})

	for i := range calcs {
		calcs[i].Rank = i + 1
	}
	calcs[0].WasSelected = true

	e.logger.WithFields(logrus.Fields{
		"attempt_id":     attemptID,
		"batch_size":     len(quotes),
		"weight_version": weights.Version,
		"winner":         calcs[0].ProviderID,
		"winner_total":   calcs[0].WeightedTotal,
	}).Debug("Batch scored")

	return calcs
}

// invertedRange min-max normalizes a lower-is-better factor across the batch.
// A batch of one, or a batch where every quote carries the same value, cannot
// discriminate and normalizes to 1.0 for everyone.
func invertedRange(quotes []types.Quote, value func(types.Quote) float64) []float64 {
	min, max := value(quotes[0]), value(quotes[0])
	for _, q := range quotes[1:] {
		v := value(q)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	out := make([]float64, len(quotes))
	if max == min {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}

	for i, q := range quotes {
		out[i] = (max - value(q)) / (max - min)
	}
	return out
}

func successRate(providerID string, reliability map[string]types.ProviderMetrics) float64 {
	if m, ok := reliability[providerID]; ok && m.SampleCount > 0 {
		return m.SuccessRate
	}
	return NeutralSuccessRate
}

func boolScore(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
