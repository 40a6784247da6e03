package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/quotes"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/scoring"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/types"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// Config bounds the orchestrator's timers.
type Config struct {
	QuoteTimeout   time.Duration `yaml:"quote_timeout"`   // per-provider quote deadline
	CommitTimeout  time.Duration `yaml:"commit_timeout"`  // per-provider commit deadline
	TokenTTL       time.Duration `yaml:"token_ttl"`       // confirmation window
	ReaperInterval time.Duration `yaml:"reaper_interval"` // expired-token archival cadence
	ExpiredGrace   time.Duration `yaml:"expired_grace"`   // retention past expiry
}

// DefaultConfig returns the standard timer settings.
func DefaultConfig() Config {
	return Config{
		QuoteTimeout:   3 * time.Second,
		CommitTimeout:  10 * time.Second,
		TokenTTL:       5 * time.Minute,
		ReaperInterval: 10 * time.Minute,
		ExpiredGrace:   24 * time.Hour,
	}
}

// Orchestrator is the top-level routing state machine. route() fans out for
// quotes, scores the batch and issues a confirmation token; confirm() drives
// the commit and the bounded fallback walk; cancel() releases the
// reservation; outcomes feed the reliability tracker for future decisions.
type Orchestrator struct {
	registry   *providers.Registry
	aggregator *quotes.Aggregator
	engine     *scoring.Engine
	tracker    *reliability.Tracker
	store      store.Store
	config     Config
	logger     *logrus.Logger

	presetMu sync.Mutex
	presets  map[string]types.WeightSet // by source tag, published lazily
}

// NewOrchestrator wires the routing engine together.
func NewOrchestrator(registry *providers.Registry, aggregator *quotes.Aggregator, engine *scoring.Engine, tracker *reliability.Tracker, st store.Store, config Config, logger *logrus.Logger) *Orchestrator {
	if config.QuoteTimeout <= 0 {
		config.QuoteTimeout = 3 * time.Second
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = 10 * time.Second
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 5 * time.Minute
	}

	return &Orchestrator{
		registry:   registry,
		aggregator: aggregator,
		engine:     engine,
		tracker:    tracker,
		store:      st,
		config:     config,
		logger:     logger,
		presets:    make(map[string]types.WeightSet),
	}
}

// Route runs one routing attempt: quote fan-out, scoring, decision
// persistence and token issuance. Fails with types.ErrNoAvailableProvider
// when no provider quotes in time.
func (o *Orchestrator) Route(ctx context.Context, req *types.OrderRequest) (*RouteResult, error) {
	start := time.Now()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}

	candidates := o.registry.List()
	batch, err := o.aggregator.GetQuotes(ctx, req, candidates, o.config.QuoteTimeout)
	if err != nil {
		return nil, err
	}

	ws, err := o.weightSetFor(ctx, req.OptimizeFor)
	if err != nil {
		return nil, err
	}

	calcs := o.engine.Score(req.ID, batch, ws, o.tracker.Snapshot())
	if err := o.store.SaveScoreCalculations(ctx, calcs); err != nil {
		return nil, fmt.Errorf("failed to persist score calculations: %w", err)
	}

	quoteByProvider := make(map[string]types.Quote, len(batch))
	for _, q := range batch {
		quoteByProvider[q.ProviderID] = q
	}

	winner := calcs[0]
	alternatives := make([]types.RankedQuote, 0, len(calcs)-1)
	quoted := make([]string, 0, len(calcs))
	for _, c := range calcs {
		quoted = append(quoted, c.ProviderID)
		if c.ProviderID == winner.ProviderID {
			continue
		}
		alternatives = append(alternatives, types.RankedQuote{
			ProviderID: c.ProviderID,
			Quote:      quoteByProvider[c.ProviderID],
		})
	}

	now := time.Now()
	token := &types.ConfirmationToken{
		Token:              uuid.NewString(),
		OrderRequestID:     req.ID,
		SelectedProviderID: winner.ProviderID,
		QuoteSnapshot:      quoteByProvider[winner.ProviderID],
		Alternatives:       alternatives,
		WeightSetVersion:   ws.Version,
		IssuedAt:           now,
		ExpiresAt:          now.Add(o.config.TokenTTL),
		State:              types.TokenIssued,
	}
	if err := o.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist confirmation token: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"selected":       winner.ProviderID,
		"total":          winner.WeightedTotal,
		"alternatives":   len(alternatives),
		"weight_version": ws.Version,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Order routed")

	return &RouteResult{
		OrderRequestID:    req.ID,
		SelectedProvider:  winner.ProviderID,
		ScoreBreakdown:    calcs,
		Alternatives:      alternatives,
		ConfirmationToken: token.Token,
		ExpiresAt:         token.ExpiresAt,
		WeightSetVersion:  ws.Version,
		Context: RoutingContext{
			OptimizeFor:        req.OptimizeFor,
			CandidateProviders: candidates,
			QuotedProviders:    quoted,
			QuoteRoundMillis:   time.Since(start).Milliseconds(),
			Timestamp:          now,
		},
	}, nil
}

// Confirm transitions the token ISSUED -> CONFIRMED (exactly one caller wins)
// and commits against the selected provider, walking the frozen alternatives
// list on failure. The walk is bounded by the list length; each attempt gets
// its own commit deadline so a hung provider cannot block the caller.
func (o *Orchestrator) Confirm(ctx context.Context, tokenValue, paymentMethod string) ([]string, string, error) {
	tok, err := o.store.GetToken(ctx, tokenValue)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	if tok.ExpiredAt(now) {
		// Mark for hygiene when still ISSUED; the error is the same either way.
		if tok.State == types.TokenIssued {
			_ = o.store.TransitionToken(ctx, tokenValue, types.TokenIssued, types.TokenExpired)
		}
		return nil, "", fmt.Errorf("%w: expired at %s", types.ErrTokenExpired, tok.ExpiresAt.Format(time.RFC3339))
	}

	if err := o.store.TransitionToken(ctx, tokenValue, types.TokenIssued, types.TokenConfirmed); err != nil {
		return nil, "", err
	}

	candidates := make([]types.RankedQuote, 0, len(tok.Alternatives)+1)
	candidates = append(candidates, types.RankedQuote{ProviderID: tok.SelectedProviderID, Quote: tok.QuoteSnapshot})
	candidates = append(candidates, tok.Alternatives...)

	var attempted []string
	for _, cand := range candidates {
		gw, ok := o.registry.Get(cand.ProviderID)
		if !ok {
			o.logger.WithField("provider", cand.ProviderID).Warn("Provider no longer registered, skipping")
			attempted = append(attempted, cand.ProviderID)
			continue
		}

		commitCtx, cancel := context.WithTimeout(ctx, o.config.CommitTimeout)
		orderID, err := gw.Commit(commitCtx, cand.Quote, paymentMethod)
		cancel()
		if err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"provider": cand.ProviderID,
				"token":    tokenValue,
			}).Warn("Commit failed, trying next alternative")
			attempted = append(attempted, cand.ProviderID)
			continue
		}

		order := &types.Order{
			OrderID:    orderID,
			ProviderID: cand.ProviderID,
			Token:      tokenValue,
			PlacedAt:   time.Now(),
		}
		if err := o.store.SaveOrder(ctx, order); err != nil {
			return nil, "", fmt.Errorf("commit succeeded but order persistence failed: %w", err)
		}

		o.logger.WithFields(logrus.Fields{
			"token":     tokenValue,
			"provider":  cand.ProviderID,
			"order_id":  orderID,
			"fallbacks": len(attempted),
		}).Info("Order confirmed")

		return []string{orderID}, cand.ProviderID, nil
	}

	if err := o.store.TransitionToken(ctx, tokenValue, types.TokenConfirmed, types.TokenCommitFailed); err != nil {
		o.logger.WithError(err).WithField("token", tokenValue).Error("Failed to mark token COMMIT_FAILED")
	}
	return nil, "", fmt.Errorf("%w: attempted %s", types.ErrAllProvidersFailed, strings.Join(attempted, ", "))
}

// Cancel releases an issued reservation. Valid only before confirmation;
// expired tokens fail explicitly rather than being treated as cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, tokenValue string) error {
	tok, err := o.store.GetToken(ctx, tokenValue)
	if err != nil {
		return err
	}

	if tok.ExpiredAt(time.Now()) {
		if tok.State == types.TokenIssued {
			_ = o.store.TransitionToken(ctx, tokenValue, types.TokenIssued, types.TokenExpired)
		}
		return fmt.Errorf("%w: expired at %s", types.ErrTokenExpired, tok.ExpiresAt.Format(time.RFC3339))
	}

	if err := o.store.TransitionToken(ctx, tokenValue, types.TokenIssued, types.TokenCancelled); err != nil {
		return err
	}

	o.logger.WithField("token", tokenValue).Info("Reservation cancelled")
	return nil
}

// RecordOutcome ingests the realized outcome of a committed order. Duplicate
// submissions fail with types.ErrOutcomeAlreadyRecorded and never double-count.
func (o *Orchestrator) RecordOutcome(ctx context.Context, outcome types.OrderOutcome) error {
	if _, err := o.store.GetOrder(ctx, outcome.OrderID); err != nil {
		// Telemetry for an order we did not place is still worth keeping.
		o.logger.WithField("order_id", outcome.OrderID).Warn("Outcome for unknown order")
	}
	return o.tracker.RecordOutcome(ctx, outcome)
}

// OrderStatus looks up a committed order together with its token state and
// recorded outcome, if any.
func (o *Orchestrator) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	status := &OrderStatus{Order: *order}
	if tok, err := o.store.GetToken(ctx, order.Token); err == nil {
		status.TokenState = tok.State
	}
	for _, oc := range o.mustListOutcomes(ctx, order.ProviderID) {
		if oc.OrderID == orderID {
			outcome := oc
			status.Outcome = &outcome
			break
		}
	}
	return status, nil
}

func (o *Orchestrator) mustListOutcomes(ctx context.Context, providerID string) []types.OrderOutcome {
	outcomes, err := o.store.ListOutcomes(ctx, providerID)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to list outcomes")
		return nil
	}
	return outcomes
}

// StartReaper archives expired tokens on the configured cadence until the
// context ends. Expiry itself is passive; this is storage hygiene only.
func (o *Orchestrator) StartReaper(ctx context.Context) {
	interval := o.config.ReaperInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := o.store.ArchiveExpiredTokens(ctx, time.Now(), o.config.ExpiredGrace)
			if err != nil {
				o.logger.WithError(err).Warn("Token reaper run failed")
			} else if removed > 0 {
				o.logger.WithField("removed", removed).Debug("Expired tokens archived")
			}
		}
	}
}

// weightSetFor resolves the weight set a routing attempt scores under.
// Presets are published once as versioned sets so past decisions stay
// explainable; "balanced" (or empty) uses the current adaptive set.
func (o *Orchestrator) weightSetFor(ctx context.Context, opt types.OptimizationType) (types.WeightSet, error) {
	switch opt {
	case types.OptimizePrice:
		return o.ensurePreset(ctx, "preset:price", weights.PricePreset)
	case types.OptimizeSpeed:
		return o.ensurePreset(ctx, "preset:speed", weights.SpeedPreset)
	default:
		ws, err := o.store.CurrentWeightSet(ctx)
		if err != nil {
			return types.WeightSet{}, fmt.Errorf("failed to load current weight set: %w", err)
		}
		return ws, nil
	}
}

func (o *Orchestrator) ensurePreset(ctx context.Context, source string, build func() types.WeightSet) (types.WeightSet, error) {
	o.presetMu.Lock()
	defer o.presetMu.Unlock()

	if ws, ok := o.presets[source]; ok {
		return ws, nil
	}

	if ws, found, err := o.store.FindWeightSetBySource(ctx, source); err != nil {
		return types.WeightSet{}, err
	} else if found {
		o.presets[source] = ws
		return ws, nil
	}

	ws := build()
	ws.Source = source
	published, err := o.store.PublishWeightSet(ctx, ws)
	if err != nil {
		return types.WeightSet{}, fmt.Errorf("failed to publish preset weight set: %w", err)
	}
	o.presets[source] = published
	return published, nil
}
