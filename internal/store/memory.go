package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// Memory is the in-process Store implementation. Token transitions take the
// store lock, which gives the same single-winner guarantee the Postgres
// implementation gets from a conditional UPDATE.
type Memory struct {
	mu sync.RWMutex

	tokens map[string]*types.ConfirmationToken
	calcs  map[string][]types.ScoreCalculation // by attempt id
	orders map[string]*types.Order

	// outcomes by order id, insertion order kept for sample windows
	outcomes     map[string]*types.OrderOutcome
	outcomeOrder []string

	weightSets []types.WeightSet // ascending by version
}

// NewMemory creates an empty in-memory store seeded with the given initial
// weight set as version 1.
func NewMemory(initial types.WeightSet) *Memory {
	initial.Version = 1
	return &Memory{
		tokens:     make(map[string]*types.ConfirmationToken),
		calcs:      make(map[string][]types.ScoreCalculation),
		orders:     make(map[string]*types.Order),
		outcomes:   make(map[string]*types.OrderOutcome),
		weightSets: []types.WeightSet{initial},
	}
}

func (m *Memory) SaveToken(ctx context.Context, token *types.ConfirmationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *token
	m.tokens[token.Token] = &cp
	return nil
}

func (m *Memory) GetToken(ctx context.Context, token string) (*types.ConfirmationToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[token]
	if !ok {
		return nil, types.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) TransitionToken(ctx context.Context, token string, from, to types.TokenState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok {
		return types.ErrTokenNotFound
	}
	if t.State != from {
		return fmt.Errorf("%w: token is %s", types.ErrTokenAlreadyUsed, t.State)
	}
	t.State = to
	return nil
}

func (m *Memory) ArchiveExpiredTokens(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, t := range m.tokens {
		if now.After(t.ExpiresAt.Add(grace)) {
			delete(m.tokens, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) SaveScoreCalculations(ctx context.Context, calcs []types.ScoreCalculation) error {
	if len(calcs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	attemptID := calcs[0].AttemptID
	m.calcs[attemptID] = append(m.calcs[attemptID], calcs...)
	return nil
}

func (m *Memory) ListScoreCalculations(ctx context.Context, attemptID string) ([]types.ScoreCalculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ScoreCalculation, len(m.calcs[attemptID]))
	copy(out, m.calcs[attemptID])
	return out, nil
}

func (m *Memory) SaveOrder(ctx context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	m.orders[order.OrderID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) InsertOutcome(ctx context.Context, outcome *types.OrderOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.outcomes[outcome.OrderID]; exists {
		return types.ErrOutcomeAlreadyRecorded
	}
	cp := *outcome
	m.outcomes[outcome.OrderID] = &cp
	m.outcomeOrder = append(m.outcomeOrder, outcome.OrderID)
	return nil
}

func (m *Memory) ListOutcomes(ctx context.Context, providerID string) ([]types.OrderOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.OrderOutcome
	for _, id := range m.outcomeOrder {
		if o := m.outcomes[id]; o.ProviderID == providerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Memory) ListAllOutcomes(ctx context.Context) ([]types.OrderOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.OrderOutcome, 0, len(m.outcomeOrder))
	for _, id := range m.outcomeOrder {
		out = append(out, *m.outcomes[id])
	}
	return out, nil
}

func (m *Memory) CurrentWeightSet(ctx context.Context) (types.WeightSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.weightSets) - 1; i >= 0; i-- {
		if !strings.HasPrefix(m.weightSets[i].Source, "preset") {
			return m.weightSets[i], nil
		}
	}
	return m.weightSets[len(m.weightSets)-1], nil
}

func (m *Memory) FindWeightSetBySource(ctx context.Context, source string) (types.WeightSet, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.weightSets) - 1; i >= 0; i-- {
		if m.weightSets[i].Source == source {
			return m.weightSets[i], true, nil
		}
	}
	return types.WeightSet{}, false, nil
}

func (m *Memory) PublishWeightSet(ctx context.Context, ws types.WeightSet) (types.WeightSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws.Version = m.weightSets[len(m.weightSets)-1].Version + 1
	m.weightSets = append(m.weightSets, ws)
	return ws, nil
}

func (m *Memory) GetWeightSet(ctx context.Context, version int) (types.WeightSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ws := range m.weightSets {
		if ws.Version == version {
			return ws, nil
		}
	}
	return types.WeightSet{}, fmt.Errorf("weight set version %d not found", version)
}

func (m *Memory) RecentOutcomeSamples(ctx context.Context, limit int) ([]types.OutcomeSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var samples []types.OutcomeSample
	// Walk newest first.
	for i := len(m.outcomeOrder) - 1; i >= 0 && len(samples) < limit; i-- {
		outcome := m.outcomes[m.outcomeOrder[i]]

		order, ok := m.orders[outcome.OrderID]
		if !ok {
			continue
		}
		token, ok := m.tokens[order.Token]
		if !ok {
			continue
		}

		for _, calc := range m.calcs[token.OrderRequestID] {
			if calc.ProviderID != outcome.ProviderID {
				continue
			}
			factors := make(map[string]float64, len(calc.Factors))
			for f, fs := range calc.Factors {
				factors[f] = fs.Normalized
			}
			samples = append(samples, types.OutcomeSample{
				OrderID:       outcome.OrderID,
				Factors:       factors,
				WasSuccessful: outcome.WasSuccessful,
				RecordedAt:    outcome.RecordedAt,
			})
			break
		}
	}
	return samples, nil
}

func (m *Memory) Close() error { return nil }
