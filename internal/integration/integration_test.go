package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/config"
	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/providers/httpgw"
	"github.com/tributary-ai/fulfillment-router/internal/quotes"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/routing"
	"github.com/tributary-ai/fulfillment-router/internal/scoring"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/types"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// partnerQuote is the wire shape a fake partner gateway answers with.
type partnerQuote struct {
	Price        float64 `json:"price"`
	ETAMinutes   float64 `json:"eta_minutes"`
	Rating       float64 `json:"rating"`
	DeliveryFee  float64 `json:"delivery_fee"`
	MinOrder     float64 `json:"min_order"`
	DistanceKm   float64 `json:"distance_km"`
	CuisineMatch bool    `json:"cuisine_match"`
}

// newPartnerServer spins up a fake partner gateway speaking the generic
// quote/commit/health protocol.
func newPartnerServer(t *testing.T, quote partnerQuote, orderID string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(quote)
	})
	mux.HandleFunc("/commit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"order_id": orderID})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildStack(t *testing.T, gateways map[string]*httptest.Server) (*routing.Orchestrator, *reliability.Tracker, store.Store) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise during tests

	registry := providers.NewRegistry(logger)
	for id, srv := range gateways {
		registry.Register(httpgw.NewHTTPGateway(&httpgw.Config{
			ProviderID: id,
			BaseURL:    srv.URL,
			Timeout:    2 * time.Second,
		}, logger))
	}

	st := store.NewMemory(weights.DefaultWeightSet())
	tracker := reliability.NewTracker(st, reliability.Config{}, logger)
	aggregator := quotes.NewAggregator(registry, logger)
	engine := scoring.NewEngine(logger)
	orch := routing.NewOrchestrator(registry, aggregator, engine, tracker, st, routing.DefaultConfig(), logger)

	return orch, tracker, st
}

func TestOrderLifecycle(t *testing.T) {
	// "prime" beats "slacker" on every factor, so it must win regardless of
	// the active weight set.
	prime := newPartnerServer(t, partnerQuote{
		Price: 10, ETAMinutes: 20, Rating: 4.8, DeliveryFee: 1,
		MinOrder: 0, DistanceKm: 1.2, CuisineMatch: true,
	}, "prime-order-7")
	slacker := newPartnerServer(t, partnerQuote{
		Price: 14, ETAMinutes: 40, Rating: 3.9, DeliveryFee: 3,
		MinOrder: 10, DistanceKm: 5, CuisineMatch: false,
	}, "slacker-order-1")

	orch, tracker, _ := buildStack(t, map[string]*httptest.Server{
		"prime":   prime,
		"slacker": slacker,
	})
	ctx := context.Background()

	result, err := orch.Route(ctx, &types.OrderRequest{
		ID:          "req-1",
		Items:       []types.OrderItem{{Name: "pad thai", Quantity: 2}},
		Location:    types.DeliveryLocation{Address: "1 Main St"},
		CuisineTags: []string{"thai"},
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}

	if result.SelectedProvider != "prime" {
		t.Fatalf("Expected routing to 'prime', got %s", result.SelectedProvider)
	}
	if result.ConfirmationToken == "" {
		t.Fatal("Expected a confirmation token")
	}
	if len(result.ScoreBreakdown) != 2 {
		t.Fatalf("Expected 2 score calculations, got %d", len(result.ScoreBreakdown))
	}
	if len(result.Alternatives) != 1 || result.Alternatives[0].ProviderID != "slacker" {
		t.Fatalf("Expected slacker as the only alternative, got %+v", result.Alternatives)
	}

	orderIDs, provider, err := orch.Confirm(ctx, result.ConfirmationToken, "card")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if provider != "prime" {
		t.Fatalf("Expected commit against 'prime', got %s", provider)
	}
	if len(orderIDs) != 1 || orderIDs[0] != "prime-order-7" {
		t.Fatalf("Expected order id from the partner, got %v", orderIDs)
	}

	// A second confirm of the same token must be rejected.
	if _, _, err := orch.Confirm(ctx, result.ConfirmationToken, "card"); !errors.Is(err, types.ErrTokenAlreadyUsed) {
		t.Fatalf("Expected ErrTokenAlreadyUsed on double confirm, got %v", err)
	}

	if err := orch.RecordOutcome(ctx, types.OrderOutcome{
		OrderID:               "prime-order-7",
		ProviderID:            "prime",
		WasSuccessful:         true,
		ActualDeliveryMinutes: 22,
		ItemsDelivered:        2,
		ItemsOrdered:          2,
		RecordedAt:            time.Now(),
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	metrics, ok := tracker.Metrics("prime")
	if !ok {
		t.Fatal("Expected metrics for prime after the outcome")
	}
	if metrics.SuccessRate < 0.99 {
		t.Errorf("Expected success rate near 1.0, got %f", metrics.SuccessRate)
	}
	if metrics.SampleCount != 1 {
		t.Errorf("Expected 1 sample, got %d", metrics.SampleCount)
	}

	status, err := orch.OrderStatus(ctx, "prime-order-7")
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if status.TokenState != types.TokenConfirmed {
		t.Errorf("Expected CONFIRMED token state, got %s", status.TokenState)
	}
	if status.Outcome == nil || !status.Outcome.WasSuccessful {
		t.Errorf("Expected the recorded outcome on the status, got %+v", status.Outcome)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	prime := newPartnerServer(t, partnerQuote{
		Price: 10, ETAMinutes: 20, Rating: 4.5, DeliveryFee: 1, DistanceKm: 2,
	}, "prime-order-8")

	orch, _, _ := buildStack(t, map[string]*httptest.Server{"prime": prime})
	ctx := context.Background()

	result, err := orch.Route(ctx, &types.OrderRequest{
		ID:        "req-2",
		Items:     []types.OrderItem{{Name: "green curry", Quantity: 1}},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Routing failed: %v", err)
	}

	if err := orch.Cancel(ctx, result.ConfirmationToken); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, _, err := orch.Confirm(ctx, result.ConfirmationToken, "card"); !errors.Is(err, types.ErrTokenAlreadyUsed) {
		t.Fatalf("Expected ErrTokenAlreadyUsed after cancel, got %v", err)
	}
}

func TestConfigurationLoading(t *testing.T) {
	configContent := `
providers:
  - provider_id: "prime"
    base_url: "http://prime.test"
`
	tmpFile, err := os.CreateTemp("", "router_config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := config.LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults
	if cfg.Server.Port != "8080" {
		t.Fatalf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("Expected default storage driver 'memory', got %s", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}

	// Test server config conversion
	serverConfig := cfg.ToServerConfig()
	if serverConfig.Port != cfg.Server.Port {
		t.Fatal("Server config conversion failed")
	}
	if serverConfig.Security == nil || serverConfig.Security.Auth == nil {
		t.Fatal("Expected security config on the server config")
	}
	if serverConfig.Security.Auth.RequireAuth {
		t.Fatal("Expected auth not required without configured credentials")
	}

	ids := cfg.ProviderIDs()
	if len(ids) != 1 || ids[0] != "prime" {
		t.Fatalf("Expected provider ids [prime], got %v", ids)
	}
}

func BenchmarkRouting(b *testing.B) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Minimal logging for benchmark

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(partnerQuote{
			Price: 10, ETAMinutes: 20, Rating: 4.5, DeliveryFee: 1, DistanceKm: 2,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	registry := providers.NewRegistry(logger)
	registry.Register(httpgw.NewHTTPGateway(&httpgw.Config{
		ProviderID: "prime",
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
	}, logger))

	st := store.NewMemory(weights.DefaultWeightSet())
	tracker := reliability.NewTracker(st, reliability.Config{}, logger)
	aggregator := quotes.NewAggregator(registry, logger)
	engine := scoring.NewEngine(logger)
	orch := routing.NewOrchestrator(registry, aggregator, engine, tracker, st, routing.DefaultConfig(), logger)

	req := &types.OrderRequest{
		ID:        "benchmark-request",
		Items:     []types.OrderItem{{Name: "pad thai", Quantity: 1}},
		Timestamp: time.Now(),
	}

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := orch.Route(ctx, req); err != nil {
			b.Fatalf("Routing failed: %v", err)
		}
	}
}
