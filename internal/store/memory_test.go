package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

func seedWeightSet() types.WeightSet {
	return types.WeightSet{
		Price:             0.20,
		Speed:             0.20,
		Rating:            0.15,
		HistoricalSuccess: 0.15,
		DeliveryFee:       0.10,
		MinOrder:          0.05,
		Distance:          0.10,
		CuisineMatch:      0.05,
		Source:            "default",
	}
}

func issuedToken(token string) *types.ConfirmationToken {
	now := time.Now()
	return &types.ConfirmationToken{
		Token:              token,
		OrderRequestID:     "req-" + token,
		SelectedProviderID: "alpha",
		IssuedAt:           now,
		ExpiresAt:          now.Add(5 * time.Minute),
		State:              types.TokenIssued,
	}
}

func TestMemory_TokenTransitions(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	if err := st.SaveToken(ctx, issuedToken("t1")); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	if err := st.TransitionToken(ctx, "t1", types.TokenIssued, types.TokenConfirmed); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// The same transition again must fail: the token already left ISSUED.
	err := st.TransitionToken(ctx, "t1", types.TokenIssued, types.TokenCancelled)
	if !errors.Is(err, types.ErrTokenAlreadyUsed) {
		t.Fatalf("Expected ErrTokenAlreadyUsed, got %v", err)
	}

	tok, err := st.GetToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if tok.State != types.TokenConfirmed {
		t.Errorf("Expected CONFIRMED, got %s", tok.State)
	}

	if err := st.TransitionToken(ctx, "missing", types.TokenIssued, types.TokenConfirmed); !errors.Is(err, types.ErrTokenNotFound) {
		t.Fatalf("Expected ErrTokenNotFound, got %v", err)
	}
}

func TestMemory_TokenCAS_SingleWinner(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	if err := st.SaveToken(ctx, issuedToken("t1")); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	const callers = 32
	var wg sync.WaitGroup
	var winners int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.TransitionToken(ctx, "t1", types.TokenIssued, types.TokenConfirmed); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 winning transition, got %d", winners)
	}
}

func TestMemory_ArchiveExpiredTokens(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	fresh := issuedToken("fresh")
	stale := issuedToken("stale")
	stale.ExpiresAt = time.Now().Add(-48 * time.Hour)

	_ = st.SaveToken(ctx, fresh)
	_ = st.SaveToken(ctx, stale)

	removed, err := st.ArchiveExpiredTokens(ctx, time.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("ArchiveExpiredTokens failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 archived token, got %d", removed)
	}

	if _, err := st.GetToken(ctx, "stale"); !errors.Is(err, types.ErrTokenNotFound) {
		t.Error("Stale token should be gone")
	}
	if _, err := st.GetToken(ctx, "fresh"); err != nil {
		t.Error("Fresh token should survive archival")
	}
}

func TestMemory_InsertOutcome_Idempotent(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	outcome := &types.OrderOutcome{OrderID: "o1", ProviderID: "alpha", WasSuccessful: true, RecordedAt: time.Now()}
	if err := st.InsertOutcome(ctx, outcome); err != nil {
		t.Fatalf("InsertOutcome failed: %v", err)
	}
	if err := st.InsertOutcome(ctx, outcome); !errors.Is(err, types.ErrOutcomeAlreadyRecorded) {
		t.Fatalf("Expected ErrOutcomeAlreadyRecorded, got %v", err)
	}

	all, _ := st.ListAllOutcomes(ctx)
	if len(all) != 1 {
		t.Errorf("Expected 1 outcome, got %d", len(all))
	}
}

func TestMemory_WeightSetVersioning(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	current, err := st.CurrentWeightSet(ctx)
	if err != nil {
		t.Fatalf("CurrentWeightSet failed: %v", err)
	}
	if current.Version != 1 || current.Source != "default" {
		t.Fatalf("Expected seeded version 1, got %+v", current)
	}

	next := seedWeightSet()
	next.Source = "adjuster"
	published, err := st.PublishWeightSet(ctx, next)
	if err != nil {
		t.Fatalf("PublishWeightSet failed: %v", err)
	}
	if published.Version != 2 {
		t.Errorf("Expected version 2, got %d", published.Version)
	}

	current, _ = st.CurrentWeightSet(ctx)
	if current.Version != 2 {
		t.Errorf("Expected current version 2, got %d", current.Version)
	}

	// Earlier versions stay resolvable for audit.
	v1, err := st.GetWeightSet(ctx, 1)
	if err != nil || v1.Source != "default" {
		t.Errorf("Version 1 should remain readable, got %+v (err %v)", v1, err)
	}
}

func TestMemory_CurrentWeightSet_SkipsPresets(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	preset := seedWeightSet()
	preset.Source = "preset:price"
	if _, err := st.PublishWeightSet(ctx, preset); err != nil {
		t.Fatalf("PublishWeightSet failed: %v", err)
	}

	current, _ := st.CurrentWeightSet(ctx)
	if current.Source != "default" {
		t.Errorf("Presets must not become current, got source %s", current.Source)
	}

	found, ok, err := st.FindWeightSetBySource(ctx, "preset:price")
	if err != nil || !ok {
		t.Fatalf("Expected to find the preset, got ok=%v err=%v", ok, err)
	}
	if found.Version != 2 {
		t.Errorf("Expected preset at version 2, got %d", found.Version)
	}
}

func TestMemory_RecentOutcomeSamples(t *testing.T) {
	st := NewMemory(seedWeightSet())
	ctx := context.Background()

	// Build the full join chain for three orders: calc -> token -> order ->
	// outcome. A third outcome with no matching order must be skipped.
	for i := 1; i <= 2; i++ {
		attempt := fmt.Sprintf("req-%d", i)
		tok := fmt.Sprintf("tok-%d", i)
		orderID := fmt.Sprintf("order-%d", i)

		_ = st.SaveScoreCalculations(ctx, []types.ScoreCalculation{{
			AttemptID:  attempt,
			ProviderID: "alpha",
			Factors: map[string]types.FactorScore{
				types.FactorPrice: {Normalized: 0.5 * float64(i), Weight: 0.2},
			},
		}})
		_ = st.SaveToken(ctx, &types.ConfirmationToken{
			Token:              tok,
			OrderRequestID:     attempt,
			SelectedProviderID: "alpha",
			ExpiresAt:          time.Now().Add(time.Minute),
			State:              types.TokenConfirmed,
		})
		_ = st.SaveOrder(ctx, &types.Order{OrderID: orderID, ProviderID: "alpha", Token: tok, PlacedAt: time.Now()})
		_ = st.InsertOutcome(ctx, &types.OrderOutcome{
			OrderID:       orderID,
			ProviderID:    "alpha",
			WasSuccessful: i == 1,
			RecordedAt:    time.Now(),
		})
	}
	_ = st.InsertOutcome(ctx, &types.OrderOutcome{OrderID: "orphan", ProviderID: "alpha", RecordedAt: time.Now()})

	samples, err := st.RecentOutcomeSamples(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOutcomeSamples failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("Expected 2 joined samples, got %d", len(samples))
	}

	// Newest first.
	if samples[0].OrderID != "order-2" || samples[1].OrderID != "order-1" {
		t.Errorf("Expected newest-first order, got %s then %s", samples[0].OrderID, samples[1].OrderID)
	}
	if samples[0].Factors[types.FactorPrice] != 1.0 {
		t.Errorf("Expected factor score 1.0 on the newest sample, got %f", samples[0].Factors[types.FactorPrice])
	}
	if !samples[1].WasSuccessful || samples[0].WasSuccessful {
		t.Error("Sample success flags do not match the recorded outcomes")
	}

	// The limit caps the window.
	limited, _ := st.RecentOutcomeSamples(ctx, 1)
	if len(limited) != 1 || limited[0].OrderID != "order-2" {
		t.Errorf("Expected only the newest sample, got %v", limited)
	}
}
