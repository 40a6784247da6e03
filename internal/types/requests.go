package types

import (
	"time"
)

// OrderItem is one line of an order request.
type OrderItem struct {
	ExternalID string  `json:"external_id,omitempty"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price,omitempty"`
}

// DeliveryLocation is the drop-off address for an order request.
type DeliveryLocation struct {
	Address    string  `json:"address"`
	PostalCode string  `json:"postal_code,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// OptimizationType selects which weight preset a routing attempt uses.
type OptimizationType string

const (
	OptimizePrice    OptimizationType = "price"
	OptimizeSpeed    OptimizationType = "speed"
	OptimizeBalanced OptimizationType = "balanced"
)

// OrderRequest is a routing attempt's input: what to deliver and where.
type OrderRequest struct {
	ID          string           `json:"id"`
	Items       []OrderItem      `json:"items"`
	Location    DeliveryLocation `json:"delivery_location"`
	OptimizeFor OptimizationType `json:"optimize_for,omitempty"`
	CuisineTags []string         `json:"cuisine_tags,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// RouteOrderResponse is the payload returned by the route_order operation.
type RouteOrderResponse struct {
	OrderRequestID    string             `json:"order_request_id"`
	SelectedProvider  string             `json:"selected_provider"`
	ScoreBreakdown    []ScoreCalculation `json:"score_breakdown"`
	Alternatives      []RankedQuote      `json:"alternatives"`
	ConfirmationToken string             `json:"confirmation_token"`
	ExpiresAt         time.Time          `json:"expires_at"`
	WeightSetVersion  int                `json:"weight_set_version"`
}

// ConfirmOrderRequest confirms a previously issued token.
type ConfirmOrderRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
	PaymentMethod     string `json:"payment_method"`
}

// ConfirmOrderResponse carries the order ids created by a successful commit.
type ConfirmOrderResponse struct {
	OrderIDs []string `json:"order_ids"`
	Provider string   `json:"provider"`
}

// CancelOrderRequest cancels an issued token.
type CancelOrderRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

// RecordOutcomeRequest submits the realized outcome of a committed order.
type RecordOutcomeRequest struct {
	OrderID               string   `json:"order_id"`
	ProviderID            string   `json:"provider_id"`
	WasSuccessful         bool     `json:"was_successful"`
	ActualDeliveryMinutes float64  `json:"actual_delivery_minutes"`
	ItemsDelivered        int      `json:"items_delivered"`
	ItemsOrdered          int      `json:"items_ordered"`
	UserRating            float64  `json:"user_rating,omitempty"`
	Issues                []string `json:"issues,omitempty"`
}

// OKResponse is the generic acknowledgement payload.
type OKResponse struct {
	OK bool `json:"ok"`
}
