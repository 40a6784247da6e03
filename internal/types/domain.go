package types

import (
	"time"
)

// Quote is a single provider's offer for an order request. Immutable once
// returned by a gateway; it belongs to exactly one routing attempt.
type Quote struct {
	ProviderID   string    `json:"provider_id"`
	Price        float64   `json:"price"`
	ETAMinutes   float64   `json:"eta_minutes"`
	Rating       float64   `json:"rating"` // 0-5
	DeliveryFee  float64   `json:"delivery_fee"`
	MinOrder     float64   `json:"min_order"`
	DistanceKm   float64   `json:"distance_km"`
	CuisineMatch bool      `json:"cuisine_match"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Factor names used in WeightSet and score breakdowns
const (
	FactorPrice             = "price"
	FactorSpeed             = "speed"
	FactorRating            = "rating"
	FactorHistoricalSuccess = "historical_success"
	FactorDeliveryFee       = "delivery_fee"
	FactorMinOrder          = "min_order"
	FactorDistance          = "distance"
	FactorCuisineMatch      = "cuisine_match"
)

// AllFactors lists the eight scored factors in breakdown order.
var AllFactors = []string{
	FactorPrice,
	FactorSpeed,
	FactorRating,
	FactorHistoricalSuccess,
	FactorDeliveryFee,
	FactorMinOrder,
	FactorDistance,
	FactorCuisineMatch,
}

// WeightSet is one published version of the scoring weights. Published sets
// are immutable; a new version supersedes the old one, it never edits it.
type WeightSet struct {
	Version           int       `json:"version"`
	Price             float64   `json:"price"`
	Speed             float64   `json:"speed"`
	Rating            float64   `json:"rating"`
	HistoricalSuccess float64   `json:"historical_success"`
	DeliveryFee       float64   `json:"delivery_fee"`
	MinOrder          float64   `json:"min_order"`
	Distance          float64   `json:"distance"`
	CuisineMatch      float64   `json:"cuisine_match"`
	Source            string    `json:"source"` // "default", "adjuster", "manual"
	CreatedAt         time.Time `json:"created_at"`
}

// Weight returns the weight for a named factor.
func (w WeightSet) Weight(factor string) float64 {
	switch factor {
	case FactorPrice:
		return w.Price
	case FactorSpeed:
		return w.Speed
	case FactorRating:
		return w.Rating
	case FactorHistoricalSuccess:
		return w.HistoricalSuccess
	case FactorDeliveryFee:
		return w.DeliveryFee
	case FactorMinOrder:
		return w.MinOrder
	case FactorDistance:
		return w.Distance
	case FactorCuisineMatch:
		return w.CuisineMatch
	}
	return 0
}

// WithWeight returns a copy with the named factor's weight replaced.
func (w WeightSet) WithWeight(factor string, value float64) WeightSet {
	switch factor {
	case FactorPrice:
		w.Price = value
	case FactorSpeed:
		w.Speed = value
	case FactorRating:
		w.Rating = value
	case FactorHistoricalSuccess:
		w.HistoricalSuccess = value
	case FactorMinOrder:
		w.MinOrder = value
	case FactorDeliveryFee:
		w.DeliveryFee = value
	case FactorDistance:
		w.Distance = value
	case FactorCuisineMatch:
		w.CuisineMatch = value
	}
	return w
}

// Sum returns the total of all eight weights.
func (w WeightSet) Sum() float64 {
	return w.Price + w.Speed + w.Rating + w.HistoricalSuccess +
		w.DeliveryFee + w.MinOrder + w.Distance + w.CuisineMatch
}

// FactorScore is one factor's contribution to a provider's weighted total.
type FactorScore struct {
	Normalized   float64 `json:"normalized"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// ScoreCalculation is the append-only audit record of how one provider scored
// within one routing attempt. Never mutated after creation.
type ScoreCalculation struct {
	AttemptID        string                 `json:"attempt_id"`
	ProviderID       string                 `json:"provider_id"`
	WeightSetVersion int                    `json:"weight_set_version"`
	WeightedTotal    float64                `json:"weighted_total"`
	Factors          map[string]FactorScore `json:"factors"`
	Rank             int                    `json:"rank"`
	WasSelected      bool                   `json:"was_selected"`
	CreatedAt        time.Time              `json:"created_at"`
}

// TokenState is the lifecycle state of a ConfirmationToken.
type TokenState string

const (
	TokenIssued       TokenState = "ISSUED"
	TokenConfirmed    TokenState = "CONFIRMED"
	TokenCancelled    TokenState = "CANCELLED"
	TokenExpired      TokenState = "EXPIRED"
	TokenCommitFailed TokenState = "COMMIT_FAILED"
)

// RankedQuote pairs a provider with its quote snapshot inside the frozen
// alternatives list of a ConfirmationToken.
type RankedQuote struct {
	ProviderID string `json:"provider_id"`
	Quote      Quote  `json:"quote"`
}

// ConfirmationToken is the short-lived reservation handle issued by route().
// The alternatives list is the ranking produced at issuance and is never
// re-ranked afterwards; the confirm fallback walk follows it in order.
type ConfirmationToken struct {
	Token              string        `json:"token"`
	OrderRequestID     string        `json:"order_request_id"`
	SelectedProviderID string        `json:"selected_provider_id"`
	QuoteSnapshot      Quote         `json:"quote_snapshot"`
	Alternatives       []RankedQuote `json:"alternatives"`
	WeightSetVersion   int           `json:"weight_set_version"`
	IssuedAt           time.Time     `json:"issued_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
	State              TokenState    `json:"state"`
}

// ExpiredAt reports whether the token's confirmation window has closed at the
// given instant. Expiry is passive: it is checked on access, never swept.
func (t *ConfirmationToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Order is the result of a successful commit. One ConfirmationToken yields at
// most one Order.
type Order struct {
	OrderID    string    `json:"order_id"`
	ProviderID string    `json:"provider_id"`
	Token      string    `json:"confirmation_token"`
	PlacedAt   time.Time `json:"placed_at"`
}

// OrderOutcome is the delayed, asynchronously submitted result of an order.
// Append-only and idempotent per order id.
type OrderOutcome struct {
	OrderID               string    `json:"order_id"`
	ProviderID            string    `json:"provider_id"`
	WasSuccessful         bool      `json:"was_successful"`
	ActualDeliveryMinutes float64   `json:"actual_delivery_minutes"`
	ItemsDelivered        int       `json:"items_delivered"`
	ItemsOrdered          int       `json:"items_ordered"`
	UserRating            float64   `json:"user_rating"`
	Issues                []string  `json:"issues,omitempty"`
	RecordedAt            time.Time `json:"recorded_at"`
}

// ProviderMetrics is the rolling per-provider aggregate maintained by the
// reliability tracker. Recent outcomes dominate stale ones via time decay.
type ProviderMetrics struct {
	ProviderID         string    `json:"provider_id"`
	SuccessRate        float64   `json:"success_rate"`
	AvgDeliveryMinutes float64   `json:"avg_delivery_minutes"`
	SampleCount        int       `json:"sample_count"`
	LastUpdated        time.Time `json:"last_updated"`
}

// OutcomeSample joins one realized outcome with the normalized factor scores
// of the provider that handled it. Input to the weight adjuster.
type OutcomeSample struct {
	OrderID       string             `json:"order_id"`
	Factors       map[string]float64 `json:"factors"`
	WasSuccessful bool               `json:"was_successful"`
	RecordedAt    time.Time          `json:"recorded_at"`
}
