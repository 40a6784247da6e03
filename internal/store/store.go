package store

import (
	"context"
	"time"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// Store is the persistence surface of the routing engine. The Memory
// implementation backs tests and single-node deployments; Postgres backs
// everything else. Both provide the same transition semantics: token state
// changes are compare-and-set, outcome inserts are idempotent per order id,
// weight sets are versioned and append-only.
type Store interface {
	// Tokens
	SaveToken(ctx context.Context, token *types.ConfirmationToken) error
	GetToken(ctx context.Context, token string) (*types.ConfirmationToken, error)
	// TransitionToken atomically moves a token from one state to another.
	// Returns types.ErrTokenNotFound if absent, types.ErrTokenAlreadyUsed
	// if the token is not in the expected from state.
	TransitionToken(ctx context.Context, token string, from, to types.TokenState) error
	// ArchiveExpiredTokens removes tokens whose expiry plus grace period has
	// passed. Storage hygiene only; correctness never depends on it.
	ArchiveExpiredTokens(ctx context.Context, now time.Time, grace time.Duration) (int, error)

	// Score calculations (append-only audit records)
	SaveScoreCalculations(ctx context.Context, calcs []types.ScoreCalculation) error
	ListScoreCalculations(ctx context.Context, attemptID string) ([]types.ScoreCalculation, error)

	// Orders
	SaveOrder(ctx context.Context, order *types.Order) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)

	// Outcomes. InsertOutcome returns types.ErrOutcomeAlreadyRecorded on a
	// duplicate order id and never double-counts.
	InsertOutcome(ctx context.Context, outcome *types.OrderOutcome) error
	ListOutcomes(ctx context.Context, providerID string) ([]types.OrderOutcome, error)
	ListAllOutcomes(ctx context.Context) ([]types.OrderOutcome, error)

	// Weight sets (versioned, immutable once published). CurrentWeightSet is
	// the newest adaptive set: preset versions (source "preset:*") are
	// versioned for audit but never become current.
	CurrentWeightSet(ctx context.Context) (types.WeightSet, error)
	PublishWeightSet(ctx context.Context, ws types.WeightSet) (types.WeightSet, error)
	GetWeightSet(ctx context.Context, version int) (types.WeightSet, error)
	FindWeightSetBySource(ctx context.Context, source string) (types.WeightSet, bool, error)

	// RecentOutcomeSamples joins recorded outcomes with the normalized factor
	// scores of the provider that handled each order. Newest first.
	RecentOutcomeSamples(ctx context.Context, limit int) ([]types.OutcomeSample, error)

	Close() error
}
