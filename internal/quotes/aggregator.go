package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// Aggregator fans an order request out to every candidate gateway in parallel
// and collects whichever quotes come back within the per-provider timeout. A
// provider that misses the deadline or declines is dropped from the round, not
// retried; the whole call is bounded by the timeout, not by the sum of
// provider latencies.
type Aggregator struct {
	registry *providers.Registry
	logger   *logrus.Logger
}

// NewAggregator creates an aggregator over the given gateway registry.
func NewAggregator(registry *providers.Registry, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		logger:   logger,
	}
}

// GetQuotes requests quotes from the listed providers concurrently. Fails
// with types.ErrNoAvailableProvider only when the result set is empty.
func (a *Aggregator) GetQuotes(ctx context.Context, req *types.OrderRequest, providerIDs []string, perProviderTimeout time.Duration) ([]types.Quote, error) {
	if len(providerIDs) == 0 {
		return nil, fmt.Errorf("%w: no candidate providers configured", types.ErrNoAvailableProvider)
	}

	start := time.Now()
	results := make(chan types.Quote, len(providerIDs))

	var wg sync.WaitGroup
	for _, id := range providerIDs {
		gw, ok := a.registry.Get(id)
		if !ok {
			a.logger.WithField("provider", id).Warn("Unknown provider in candidate list")
			continue
		}

		wg.Add(1)
		go func(id string, gw providers.Gateway) {
			defer wg.Done()

			quoteCtx, cancel := context.WithTimeout(ctx, perProviderTimeout)
			defer cancel()

			quote, err := gw.Quote(quoteCtx, req)
			if err != nil {
				// Timeouts and declines are treated the same way: the
				// provider is absent from this round.
				a.logger.WithError(err).WithFields(logrus.Fields{
					"provider":   id,
					"request_id": req.ID,
				}).Debug("Provider dropped from quote round")
				return
			}

			results <- *quote
		}(id, gw)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Join with a hard deadline: a gateway that ignores cancellation is
	// abandoned, not awaited. The buffered channel lets stragglers finish
	// without blocking, their late quotes are simply never read.
	joinDeadline := time.NewTimer(perProviderTimeout + 50*time.Millisecond)
	defer joinDeadline.Stop()

	select {
	case <-done:
	case <-joinDeadline.C:
		a.logger.WithField("request_id", req.ID).Warn("Quote round deadline reached with providers still outstanding")
	case <-ctx.Done():
	}

	quotes := make([]types.Quote, 0, len(providerIDs))
collect:
	for {
		select {
		case q := <-results:
			quotes = append(quotes, q)
		default:
			break collect
		}
	}

	a.logger.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"candidates":  len(providerIDs),
		"responded":   len(quotes),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Quote round completed")

	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: all %d providers timed out or declined", types.ErrNoAvailableProvider, len(providerIDs))
	}

	return quotes, nil
}
