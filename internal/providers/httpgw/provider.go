package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// HTTPGateway reaches a fulfillment partner through the generic JSON gateway
// protocol (POST {base}/quote, POST {base}/commit, GET {base}/health). Partner
// specific translation happens on the remote side; this adapter only speaks
// the capability shape the engine requires.
type HTTPGateway struct {
	client *http.Client
	config *Config
	logger *logrus.Logger
}

// Config holds the connection settings for one partner gateway.
type Config struct {
	ProviderID string        `yaml:"provider_id"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NewHTTPGateway creates a gateway adapter for one configured partner.
func NewHTTPGateway(config *Config, logger *logrus.Logger) *HTTPGateway {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPGateway{
		client: &http.Client{Timeout: timeout},
		config: config,
		logger: logger,
	}
}

// GetProviderID returns the configured provider id.
func (g *HTTPGateway) GetProviderID() string {
	return g.config.ProviderID
}

// quoteResponse is the gateway wire shape for a quote.
type quoteResponse struct {
	Price        float64 `json:"price"`
	ETAMinutes   float64 `json:"eta_minutes"`
	Rating       float64 `json:"rating"`
	DeliveryFee  float64 `json:"delivery_fee"`
	MinOrder     float64 `json:"min_order"`
	DistanceKm   float64 `json:"distance_km"`
	CuisineMatch bool    `json:"cuisine_match"`
}

// Quote asks the partner for an offer on the order request.
func (g *HTTPGateway) Quote(ctx context.Context, req *types.OrderRequest) (*types.Quote, error) {
	var resp quoteResponse
	if err := g.post(ctx, "/quote", req, &resp); err != nil {
		return nil, fmt.Errorf("quote request to %s failed: %w", g.config.ProviderID, err)
	}

	return &types.Quote{
		ProviderID:   g.config.ProviderID,
		Price:        resp.Price,
		ETAMinutes:   resp.ETAMinutes,
		Rating:       resp.Rating,
		DeliveryFee:  resp.DeliveryFee,
		MinOrder:     resp.MinOrder,
		DistanceKm:   resp.DistanceKm,
		CuisineMatch: resp.CuisineMatch,
		FetchedAt:    time.Now(),
	}, nil
}

type commitRequest struct {
	Quote         types.Quote `json:"quote"`
	PaymentMethod string      `json:"payment_method"`
}

type commitResponse struct {
	OrderID string `json:"order_id"`
}

// Commit places the order against the partner using the quote snapshot taken
// at issuance time.
func (g *HTTPGateway) Commit(ctx context.Context, quote types.Quote, paymentMethod string) (string, error) {
	var resp commitResponse
	err := g.post(ctx, "/commit", commitRequest{Quote: quote, PaymentMethod: paymentMethod}, &resp)
	if err != nil {
		return "", fmt.Errorf("commit to %s failed: %w", g.config.ProviderID, err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("commit to %s returned no order id", g.config.ProviderID)
	}

	g.logger.WithFields(logrus.Fields{
		"provider": g.config.ProviderID,
		"order_id": resp.OrderID,
	}).Info("Order committed")

	return resp.OrderID, nil
}

// HealthCheck probes the partner gateway.
func (g *HTTPGateway) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check for %s failed: %w", g.config.ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check for %s returned status %d", g.config.ProviderID, resp.StatusCode)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (g *HTTPGateway) setHeaders(req *http.Request) {
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}
}
