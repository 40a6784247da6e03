package reliability

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// OutcomeStore is the persistence the tracker relies on for idempotency and
// restart recovery.
type OutcomeStore interface {
	InsertOutcome(ctx context.Context, outcome *types.OrderOutcome) error
	ListAllOutcomes(ctx context.Context) ([]types.OrderOutcome, error)
}

// Config tunes the decay window of the reliability aggregates.
type Config struct {
	// HalfLife is the age at which an outcome's weight has decayed to half.
	HalfLife time.Duration `yaml:"half_life"`
}

// Tracker maintains recency-weighted per-provider success and latency
// aggregates from ingested outcomes. Writes append then recompute under the
// provider's entry; reads return a consistent snapshot and never block on
// ingestion.
type Tracker struct {
	store    OutcomeStore
	halfLife time.Duration
	logger   *logrus.Logger

	mu      sync.RWMutex
	history map[string][]types.OrderOutcome
	metrics map[string]types.ProviderMetrics
}

// NewTracker creates a tracker with the given decay half-life (30 days when
// zero).
func NewTracker(store OutcomeStore, cfg Config, logger *logrus.Logger) *Tracker {
	halfLife := cfg.HalfLife
	if halfLife <= 0 {
		halfLife = 30 * 24 * time.Hour
	}
	return &Tracker{
		store:    store,
		halfLife: halfLife,
		logger:   logger,
		history:  make(map[string][]types.OrderOutcome),
		metrics:  make(map[string]types.ProviderMetrics),
	}
}

// Load rebuilds the in-memory aggregates from the stored outcome history.
// Called once at startup.
func (t *Tracker) Load(ctx context.Context) error {
	outcomes, err := t.store.ListAllOutcomes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load outcome history: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range outcomes {
		o := outcomes[i]
		t.history[o.ProviderID] = append(t.history[o.ProviderID], o)
	}
	for providerID := range t.history {
		t.metrics[providerID] = t.recompute(providerID, time.Now())
	}

	t.logger.WithFields(logrus.Fields{
		"outcomes":  len(outcomes),
		"providers": len(t.history),
	}).Info("Reliability history loaded")
	return nil
}

// RecordOutcome appends the outcome and recomputes that provider's metrics.
// Duplicate submissions for an order fail with types.ErrOutcomeAlreadyRecorded
// and are never double-counted.
func (t *Tracker) RecordOutcome(ctx context.Context, outcome types.OrderOutcome) error {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}

	if err := t.store.InsertOutcome(ctx, &outcome); err != nil {
		return err
	}

	t.mu.Lock()
	t.history[outcome.ProviderID] = append(t.history[outcome.ProviderID], outcome)
	t.metrics[outcome.ProviderID] = t.recompute(outcome.ProviderID, time.Now())
	m := t.metrics[outcome.ProviderID]
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"provider":     outcome.ProviderID,
		"order_id":     outcome.OrderID,
		"successful":   outcome.WasSuccessful,
		"success_rate": m.SuccessRate,
		"samples":      m.SampleCount,
	}).Info("Outcome recorded")
	return nil
}

// Metrics returns the current aggregate for one provider.
func (t *Tracker) Metrics(providerID string) (types.ProviderMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[providerID]
	return m, ok
}

// Snapshot returns a copy of all provider aggregates, as read by the scoring
// engine at the start of a routing attempt.
func (t *Tracker) Snapshot() map[string]types.ProviderMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]types.ProviderMetrics, len(t.metrics))
	for id, m := range t.metrics {
		out[id] = m
	}
	return out
}

// recompute derives the decayed aggregate from the provider's full history.
// Each outcome is weighted by exp(-ln2 * age / halfLife), so recent behavior
// dominates without ever discarding old data. Caller holds the write lock.
func (t *Tracker) recompute(providerID string, now time.Time) types.ProviderMetrics {
	outcomes := t.history[providerID]

	var weightSum, successSum, minutesSum float64
	for _, o := range outcomes {
		age := now.Sub(o.RecordedAt)
		if age < 0 {
			age = 0
		}
		w := math.Exp(-math.Ln2 * age.Seconds() / t.halfLife.Seconds())
		weightSum += w
		if o.WasSuccessful {
			successSum += w
		}
		minutesSum += w * o.ActualDeliveryMinutes
	}

	m := types.ProviderMetrics{
		ProviderID:  providerID,
		SampleCount: len(outcomes),
		LastUpdated: now,
	}
	if weightSum > 0 {
		m.SuccessRate = successSum / weightSum
		m.AvgDeliveryMinutes = minutesSum / weightSum
	}
	return m
}
