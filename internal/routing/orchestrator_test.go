package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/quotes"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/scoring"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/types"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// scriptedGateway is a configurable provider gateway for orchestrator tests.
type scriptedGateway struct {
	id          string
	quote       types.Quote
	quoteErr    error
	commitErr   error
	commitCalls int32
}

func (g *scriptedGateway) GetProviderID() string { return g.id }

func (g *scriptedGateway) Quote(ctx context.Context, req *types.OrderRequest) (*types.Quote, error) {
	if g.quoteErr != nil {
		return nil, g.quoteErr
	}
	q := g.quote
	q.ProviderID = g.id
	return &q, nil
}

func (g *scriptedGateway) Commit(ctx context.Context, quote types.Quote, paymentMethod string) (string, error) {
	atomic.AddInt32(&g.commitCalls, 1)
	if g.commitErr != nil {
		return "", g.commitErr
	}
	return fmt.Sprintf("%s-order-%d", g.id, atomic.LoadInt32(&g.commitCalls)), nil
}

func (g *scriptedGateway) HealthCheck(ctx context.Context) error { return nil }

func createTestOrchestrator(t *testing.T, gateways ...*scriptedGateway) (*Orchestrator, *store.Memory) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	registry := providers.NewRegistry(logger)
	for _, gw := range gateways {
		registry.Register(gw)
	}

	st := store.NewMemory(weights.DefaultWeightSet())
	tracker := reliability.NewTracker(st, reliability.Config{HalfLife: 30 * 24 * time.Hour}, logger)
	aggregator := quotes.NewAggregator(registry, logger)
	engine := scoring.NewEngine(logger)

	orch := NewOrchestrator(registry, aggregator, engine, tracker, st, DefaultConfig(), logger)
	return orch, st
}

func routeTestOrder(t *testing.T, orch *Orchestrator) *RouteResult {
	t.Helper()

	result, err := orch.Route(context.Background(), &types.OrderRequest{
		Items:    []types.OrderItem{{Name: "pad thai", Quantity: 2}},
		Location: types.DeliveryLocation{Address: "5 River Rd"},
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	return result
}

func TestOrchestrator_Route(t *testing.T) {
	orch, st := createTestOrchestrator(t,
		&scriptedGateway{id: "cheap", quote: types.Quote{Price: 9, ETAMinutes: 40, Rating: 4.0}},
		&scriptedGateway{id: "fast", quote: types.Quote{Price: 14, ETAMinutes: 15, Rating: 4.5}},
	)

	result := routeTestOrder(t, orch)

	if result.OrderRequestID == "" {
		t.Error("Expected a generated order request id")
	}
	if result.ConfirmationToken == "" {
		t.Error("Expected a confirmation token")
	}
	if len(result.ScoreBreakdown) != 2 {
		t.Fatalf("Expected 2 score calculations, got %d", len(result.ScoreBreakdown))
	}
	if len(result.Alternatives) != 1 {
		t.Fatalf("Expected 1 alternative, got %d", len(result.Alternatives))
	}
	if result.Alternatives[0].ProviderID == result.SelectedProvider {
		t.Error("Winner must not appear in the alternatives list")
	}

	tok, err := st.GetToken(context.Background(), result.ConfirmationToken)
	if err != nil {
		t.Fatalf("Token not persisted: %v", err)
	}
	if tok.State != types.TokenIssued {
		t.Errorf("Expected ISSUED token, got %s", tok.State)
	}
	if tok.SelectedProviderID != result.SelectedProvider {
		t.Errorf("Token selected provider %s does not match result %s", tok.SelectedProviderID, result.SelectedProvider)
	}

	calcs, err := st.ListScoreCalculations(context.Background(), result.OrderRequestID)
	if err != nil || len(calcs) != 2 {
		t.Fatalf("Expected 2 persisted calculations, got %d (err %v)", len(calcs), err)
	}
}

func TestOrchestrator_Route_NoQuotes(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "closed", quoteErr: errors.New("kitchen closed")},
	)

	_, err := orch.Route(context.Background(), &types.OrderRequest{
		Items:    []types.OrderItem{{Name: "ramen", Quantity: 1}},
		Location: types.DeliveryLocation{Address: "5 River Rd"},
	})
	if !errors.Is(err, types.ErrNoAvailableProvider) {
		t.Fatalf("Expected ErrNoAvailableProvider, got %v", err)
	}
}

func TestOrchestrator_Confirm(t *testing.T) {
	winner := &scriptedGateway{id: "fast", quote: types.Quote{Price: 14, ETAMinutes: 15, Rating: 4.8, CuisineMatch: true}}
	orch, st := createTestOrchestrator(t,
		winner,
		&scriptedGateway{id: "cheap", quote: types.Quote{Price: 30, ETAMinutes: 90, Rating: 2.0}},
	)

	result := routeTestOrder(t, orch)
	if result.SelectedProvider != "fast" {
		t.Fatalf("Expected 'fast' to win, got %s", result.SelectedProvider)
	}

	orderIDs, provider, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if provider != "fast" {
		t.Errorf("Expected commit against 'fast', got %s", provider)
	}
	if len(orderIDs) != 1 {
		t.Fatalf("Expected 1 order id, got %d", len(orderIDs))
	}

	tok, _ := st.GetToken(context.Background(), result.ConfirmationToken)
	if tok.State != types.TokenConfirmed {
		t.Errorf("Expected CONFIRMED token, got %s", tok.State)
	}

	order, err := st.GetOrder(context.Background(), orderIDs[0])
	if err != nil {
		t.Fatalf("Order not persisted: %v", err)
	}
	if order.ProviderID != "fast" || order.Token != result.ConfirmationToken {
		t.Errorf("Persisted order does not match commit: %+v", order)
	}
}

func TestOrchestrator_Confirm_FallbackWalk(t *testing.T) {
	// The winner fails to commit; the walk must continue with the
	// next-ranked alternative from the frozen list.
	winner := &scriptedGateway{
		id:        "flaky",
		quote:     types.Quote{Price: 8, ETAMinutes: 15, Rating: 4.9, CuisineMatch: true},
		commitErr: errors.New("order rejected"),
	}
	backup := &scriptedGateway{id: "backup", quote: types.Quote{Price: 20, ETAMinutes: 50, Rating: 3.0}}
	orch, _ := createTestOrchestrator(t, winner, backup)

	result := routeTestOrder(t, orch)
	if result.SelectedProvider != "flaky" {
		t.Fatalf("Expected 'flaky' to win the scoring, got %s", result.SelectedProvider)
	}

	orderIDs, provider, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if provider != "backup" {
		t.Errorf("Expected fallback to 'backup', got %s", provider)
	}
	if len(orderIDs) != 1 {
		t.Fatalf("Expected 1 order id, got %d", len(orderIDs))
	}
	if atomic.LoadInt32(&winner.commitCalls) != 1 {
		t.Errorf("Winner should have been attempted exactly once, got %d", winner.commitCalls)
	}
}

func TestOrchestrator_Confirm_AllProvidersFail(t *testing.T) {
	orch, st := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}, commitErr: errors.New("rejected")},
		&scriptedGateway{id: "beta", quote: types.Quote{Price: 12}, commitErr: errors.New("rejected")},
	)

	result := routeTestOrder(t, orch)

	_, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if !errors.Is(err, types.ErrAllProvidersFailed) {
		t.Fatalf("Expected ErrAllProvidersFailed, got %v", err)
	}

	tok, _ := st.GetToken(context.Background(), result.ConfirmationToken)
	if tok.State != types.TokenCommitFailed {
		t.Errorf("Expected COMMIT_FAILED token, got %s", tok.State)
	}
}

func TestOrchestrator_Confirm_ExactlyOneWinner(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10, ETAMinutes: 20, Rating: 4.0}},
	)

	result := routeTestOrder(t, orch)

	const callers = 16
	var wg sync.WaitGroup
	var successes, conflicts int32

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, types.ErrTokenAlreadyUsed):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly 1 successful confirm, got %d", successes)
	}
	if conflicts != callers-1 {
		t.Errorf("Expected %d conflicts, got %d", callers-1, conflicts)
	}
}

func TestOrchestrator_Confirm_Expired(t *testing.T) {
	orch, st := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	expired := &types.ConfirmationToken{
		Token:              "stale-token",
		OrderRequestID:     "req-stale",
		SelectedProviderID: "alpha",
		IssuedAt:           time.Now().Add(-10 * time.Minute),
		ExpiresAt:          time.Now().Add(-5 * time.Minute),
		State:              types.TokenIssued,
	}
	if err := st.SaveToken(context.Background(), expired); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	_, _, err := orch.Confirm(context.Background(), "stale-token", "card")
	if !errors.Is(err, types.ErrTokenExpired) {
		t.Fatalf("Expected ErrTokenExpired, got %v", err)
	}

	tok, _ := st.GetToken(context.Background(), "stale-token")
	if tok.State != types.TokenExpired {
		t.Errorf("Expected EXPIRED token after access, got %s", tok.State)
	}
}

func TestOrchestrator_StartReaper_RunsUntilCancelled(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	registry := providers.NewRegistry(logger)
	st := store.NewMemory(weights.DefaultWeightSet())
	tracker := reliability.NewTracker(st, reliability.Config{HalfLife: 30 * 24 * time.Hour}, logger)
	aggregator := quotes.NewAggregator(registry, logger)
	engine := scoring.NewEngine(logger)

	cfg := DefaultConfig()
	cfg.ReaperInterval = 10 * time.Millisecond
	cfg.ExpiredGrace = 0
	orch := NewOrchestrator(registry, aggregator, engine, tracker, st, cfg, logger)

	stale := &types.ConfirmationToken{
		Token:          "stale-token",
		OrderRequestID: "req-stale",
		IssuedAt:       time.Now().Add(-10 * time.Minute),
		ExpiresAt:      time.Now().Add(-5 * time.Minute),
		State:          types.TokenIssued,
	}
	if err := st.SaveToken(context.Background(), stale); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		orch.StartReaper(ctx)
		close(done)
	}()

	// The reaper archives the stale token while its context is still live.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := st.GetToken(context.Background(), "stale-token"); errors.Is(err, types.ErrTokenNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the reaper to archive the expired token")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// It is a blocking loop: still running here, returning only on cancel.
	select {
	case <-done:
		t.Fatal("Reaper returned while its context was still live")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reaper did not return after cancellation")
	}
}

func TestOrchestrator_Confirm_UnknownToken(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	_, _, err := orch.Confirm(context.Background(), "no-such-token", "card")
	if !errors.Is(err, types.ErrTokenNotFound) {
		t.Fatalf("Expected ErrTokenNotFound, got %v", err)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	orch, st := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	result := routeTestOrder(t, orch)

	if err := orch.Cancel(context.Background(), result.ConfirmationToken); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	tok, _ := st.GetToken(context.Background(), result.ConfirmationToken)
	if tok.State != types.TokenCancelled {
		t.Errorf("Expected CANCELLED token, got %s", tok.State)
	}

	// A cancelled reservation cannot be confirmed afterwards.
	_, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if !errors.Is(err, types.ErrTokenAlreadyUsed) {
		t.Fatalf("Expected ErrTokenAlreadyUsed after cancel, got %v", err)
	}
}

func TestOrchestrator_Cancel_AfterConfirm(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	result := routeTestOrder(t, orch)
	if _, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	err := orch.Cancel(context.Background(), result.ConfirmationToken)
	if !errors.Is(err, types.ErrTokenAlreadyUsed) {
		t.Fatalf("Expected ErrTokenAlreadyUsed cancelling a confirmed token, got %v", err)
	}
}

func TestOrchestrator_RecordOutcome_Duplicate(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	result := routeTestOrder(t, orch)
	orderIDs, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	outcome := types.OrderOutcome{
		OrderID:               orderIDs[0],
		ProviderID:            "alpha",
		WasSuccessful:         true,
		ActualDeliveryMinutes: 25,
		ItemsDelivered:        2,
		ItemsOrdered:          2,
		RecordedAt:            time.Now(),
	}

	if err := orch.RecordOutcome(context.Background(), outcome); err != nil {
		t.Fatalf("First RecordOutcome failed: %v", err)
	}
	err = orch.RecordOutcome(context.Background(), outcome)
	if !errors.Is(err, types.ErrOutcomeAlreadyRecorded) {
		t.Fatalf("Expected ErrOutcomeAlreadyRecorded, got %v", err)
	}
}

func TestOrchestrator_OrderStatus(t *testing.T) {
	orch, _ := createTestOrchestrator(t,
		&scriptedGateway{id: "alpha", quote: types.Quote{Price: 10}},
	)

	result := routeTestOrder(t, orch)
	orderIDs, _, err := orch.Confirm(context.Background(), result.ConfirmationToken, "card")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if err := orch.RecordOutcome(context.Background(), types.OrderOutcome{
		OrderID:       orderIDs[0],
		ProviderID:    "alpha",
		WasSuccessful: true,
		RecordedAt:    time.Now(),
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	status, err := orch.OrderStatus(context.Background(), orderIDs[0])
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if status.Order.ProviderID != "alpha" {
		t.Errorf("Expected provider alpha, got %s", status.Order.ProviderID)
	}
	if status.TokenState != types.TokenConfirmed {
		t.Errorf("Expected CONFIRMED token state, got %s", status.TokenState)
	}
	if status.Outcome == nil || !status.Outcome.WasSuccessful {
		t.Error("Expected the recorded outcome on the status")
	}

	_, err = orch.OrderStatus(context.Background(), "no-such-order")
	if !errors.Is(err, types.ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrchestrator_Route_OptimizePresets(t *testing.T) {
	orch, st := createTestOrchestrator(t,
		&scriptedGateway{id: "cheap", quote: types.Quote{Price: 9, ETAMinutes: 40, Rating: 4.0}},
		&scriptedGateway{id: "fast", quote: types.Quote{Price: 14, ETAMinutes: 15, Rating: 4.0}},
	)

	priceResult, err := orch.Route(context.Background(), &types.OrderRequest{
		Items:       []types.OrderItem{{Name: "sushi", Quantity: 1}},
		Location:    types.DeliveryLocation{Address: "5 River Rd"},
		OptimizeFor: types.OptimizePrice,
	})
	if err != nil {
		t.Fatalf("Route with price preset failed: %v", err)
	}
	if priceResult.SelectedProvider != "cheap" {
		t.Errorf("Price preset should favor 'cheap', got %s", priceResult.SelectedProvider)
	}

	speedResult, err := orch.Route(context.Background(), &types.OrderRequest{
		Items:       []types.OrderItem{{Name: "sushi", Quantity: 1}},
		Location:    types.DeliveryLocation{Address: "5 River Rd"},
		OptimizeFor: types.OptimizeSpeed,
	})
	if err != nil {
		t.Fatalf("Route with speed preset failed: %v", err)
	}
	if speedResult.SelectedProvider != "fast" {
		t.Errorf("Speed preset should favor 'fast', got %s", speedResult.SelectedProvider)
	}

	// Presets are published as versioned sets but never become the current
	// adaptive set.
	current, err := st.CurrentWeightSet(context.Background())
	if err != nil {
		t.Fatalf("CurrentWeightSet failed: %v", err)
	}
	if current.Source != "default" {
		t.Errorf("Preset publication must not change the current set, got source %s", current.Source)
	}
}
