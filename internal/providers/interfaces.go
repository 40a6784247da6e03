package providers

import (
	"context"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// Gateway is the uniform capability every fulfillment partner is reached
// through. The engine never encodes a specific partner's wire protocol; real
// integrations sit behind an implementation of this interface.
type Gateway interface {
	GetProviderID() string
	Quote(ctx context.Context, req *types.OrderRequest) (*types.Quote, error)
	Commit(ctx context.Context, quote types.Quote, paymentMethod string) (string, error)
	HealthCheck(ctx context.Context) error
}
