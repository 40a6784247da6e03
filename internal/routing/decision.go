package routing

import (
	"time"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// RouteResult contains everything a routing attempt produced: the winner, the
// full scored breakdown, the frozen alternatives and the confirmation handle.
type RouteResult struct {
	// The routing attempt this result belongs to
	OrderRequestID string `json:"order_request_id"`

	// The selected provider id
	SelectedProvider string `json:"selected_provider"`

	// Per-provider score breakdown, ranked, for explainability
	ScoreBreakdown []types.ScoreCalculation `json:"score_breakdown"`

	// Ranked alternatives behind the winner, frozen at issuance
	Alternatives []types.RankedQuote `json:"alternatives"`

	// The reservation handle and its confirmation window
	ConfirmationToken string    `json:"confirmation_token"`
	ExpiresAt         time.Time `json:"expires_at"`

	// Which weight set version scored this attempt
	WeightSetVersion int `json:"weight_set_version"`

	// Additional routing context
	Context RoutingContext `json:"routing_context"`
}

// RoutingContext records the circumstances of the decision.
type RoutingContext struct {
	// Preset requested by the caller ("balanced" when empty)
	OptimizeFor types.OptimizationType `json:"optimize_for"`

	// Providers asked for a quote
	CandidateProviders []string `json:"candidate_providers"`

	// Providers that responded within the deadline
	QuotedProviders []string `json:"quoted_providers"`

	// Wall time of the quote round
	QuoteRoundMillis int64 `json:"quote_round_ms"`

	// Decision timestamp
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatus is the lookup result for a committed order.
type OrderStatus struct {
	Order      types.Order         `json:"order"`
	TokenState types.TokenState    `json:"token_state"`
	Outcome    *types.OrderOutcome `json:"outcome,omitempty"`
}
