package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/middleware"
	"github.com/tributary-ai/fulfillment-router/internal/providers"
	"github.com/tributary-ai/fulfillment-router/internal/reliability"
	"github.com/tributary-ai/fulfillment-router/internal/routing"
	"github.com/tributary-ai/fulfillment-router/internal/store"
	"github.com/tributary-ai/fulfillment-router/internal/types"
	"github.com/tributary-ai/fulfillment-router/internal/weights"
)

// RoutingService is the subset of the orchestrator the HTTP layer depends on.
type RoutingService interface {
	Route(ctx context.Context, req *types.OrderRequest) (*routing.RouteResult, error)
	Confirm(ctx context.Context, tokenValue, paymentMethod string) ([]string, string, error)
	Cancel(ctx context.Context, tokenValue string) error
	RecordOutcome(ctx context.Context, outcome types.OrderOutcome) error
	OrderStatus(ctx context.Context, orderID string) (*routing.OrderStatus, error)
}

// Server represents the HTTP server
type Server struct {
	service       RoutingService
	registry      *providers.Registry
	tracker       *reliability.Tracker
	store         store.Store
	httpServer    *http.Server
	logger        *logrus.Logger
	config        *ServerConfig
	securityStack *middleware.SecurityStack
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                     `yaml:"port"`
	ReadTimeout    time.Duration              `yaml:"read_timeout"`
	WriteTimeout   time.Duration              `yaml:"write_timeout"`
	MaxHeaderBytes int                        `yaml:"max_header_bytes"`
	Security       *middleware.SecurityConfig `yaml:"security"`
}

// NewServer creates a new server instance
func NewServer(service RoutingService, registry *providers.Registry, tracker *reliability.Tracker, st store.Store, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		service:  service,
		registry: registry,
		tracker:  tracker,
		store:    st,
		logger:   logger,
		config:   config,
	}

	if config.Security != nil {
		stack, err := middleware.NewSecurityStack(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityStack = stack
	}

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting fulfillment router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping fulfillment router server")

	if s.securityStack != nil {
		s.securityStack.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityStack != nil {
		r.Use(s.securityStack.Handler())
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	// API routes
	api := r.PathPrefix("/v1").Subrouter()

	// Routing lifecycle
	api.HandleFunc("/orders/route", s.handleRouteOrder).Methods("POST")
	api.HandleFunc("/orders/confirm", s.handleConfirmOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Outcome ingestion
	api.HandleFunc("/outcomes", s.handleRecordOutcome).Methods("POST")

	// Management endpoints
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{id}/metrics", s.handleProviderMetrics).Methods("GET")
	api.HandleFunc("/weights", s.handleGetWeights).Methods("GET")
	api.HandleFunc("/weights", s.handlePublishWeights).Methods("POST")

	// Health check endpoint (no /v1 prefix)
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// API documentation
	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Capture the status code for the access log
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleRouteOrder fans the order out to the registered providers, scores the
// quotes and returns the selection with a confirmation token.
func (s *Server) handleRouteOrder(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if len(req.Items) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "Order must contain at least one item")
		return
	}
	req.Timestamp = time.Now()

	result, err := s.service.Route(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := types.RouteOrderResponse{
		OrderRequestID:    result.OrderRequestID,
		SelectedProvider:  result.SelectedProvider,
		ScoreBreakdown:    result.ScoreBreakdown,
		Alternatives:      result.Alternatives,
		ConfirmationToken: result.ConfirmationToken,
		ExpiresAt:         result.ExpiresAt,
		WeightSetVersion:  result.WeightSetVersion,
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleConfirmOrder commits a reserved routing decision.
func (s *Server) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req types.ConfirmOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.ConfirmationToken == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "confirmation_token is required")
		return
	}

	orderIDs, provider, err := s.service.Confirm(r.Context(), req.ConfirmationToken, req.PaymentMethod)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, types.ConfirmOrderResponse{
		OrderIDs: orderIDs,
		Provider: provider,
	})
}

// handleCancelOrder releases a reservation before confirmation.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req types.CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.ConfirmationToken == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "confirmation_token is required")
		return
	}

	if err := s.service.Cancel(r.Context(), req.ConfirmationToken); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// handleGetOrder returns a committed order with its token state and outcome.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	status, err := s.service.OrderStatus(r.Context(), orderID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleRecordOutcome ingests a realized delivery outcome.
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req types.RecordOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.OrderID == "" || req.ProviderID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "order_id and provider_id are required")
		return
	}

	outcome := types.OrderOutcome{
		OrderID:               req.OrderID,
		ProviderID:            req.ProviderID,
		WasSuccessful:         req.WasSuccessful,
		ActualDeliveryMinutes: req.ActualDeliveryMinutes,
		ItemsDelivered:        req.ItemsDelivered,
		ItemsOrdered:          req.ItemsOrdered,
		UserRating:            req.UserRating,
		Issues:                req.Issues,
		RecordedAt:            time.Now(),
	}

	if err := s.service.RecordOutcome(r.Context(), outcome); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, types.OKResponse{OK: true})
}

// handleListProviders lists registered providers with their current metrics
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()
	metrics := s.tracker.Snapshot()

	list := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		entry := map[string]interface{}{"provider_id": id}
		if m, ok := metrics[id]; ok {
			entry["metrics"] = m
		}
		list = append(list, entry)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": list,
		"count":     len(list),
	})
}

// handleProviderMetrics returns reliability metrics for one provider
func (s *Server) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.registry.Get(id); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
		return
	}

	metrics, ok := s.tracker.Metrics(id)
	if !ok {
		// Registered but no outcomes yet
		metrics = types.ProviderMetrics{ProviderID: id, SuccessRate: reliabilityNeutral}
	}

	s.writeJSON(w, http.StatusOK, metrics)
}

// handleGetWeights returns the active weight set
func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.CurrentWeightSet(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load weight set: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, ws)
}

// handlePublishWeights publishes a new operator-supplied weight set
func (s *Server) handlePublishWeights(w http.ResponseWriter, r *http.Request) {
	var ws types.WeightSet
	if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := weights.Validate(ws); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid weight set: %v", err))
		return
	}

	ws.Source = "manual"
	published, err := s.store.PublishWeightSet(r.Context(), ws)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to publish weight set: %v", err))
		return
	}

	s.logger.WithFields(logrus.Fields{
		"version": published.Version,
		"source":  published.Source,
	}).Info("Weight set published")

	s.writeJSON(w, http.StatusCreated, published)
}

// handleHealthCheck probes every registered provider gateway concurrently
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()

	type probe struct {
		id  string
		err error
	}
	results := make(chan probe, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		gw, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, gw providers.Gateway) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			results <- probe{id: id, err: gw.HealthCheck(ctx)}
		}(id, gw)
	}
	wg.Wait()
	close(results)

	health := make(map[string]string, len(ids))
	overallHealthy := true
	for p := range results {
		if p.err != nil {
			health[p.id] = "unhealthy"
			overallHealthy = false
		} else {
			health[p.id] = "healthy"
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"providers": health,
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

const reliabilityNeutral = 0.5

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrTokenExpired):
		s.writeErrorResponse(w, http.StatusGone, err.Error())
	case errors.Is(err, types.ErrTokenAlreadyUsed):
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrOutcomeAlreadyRecorded):
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrTokenNotFound), errors.Is(err, types.ErrOrderNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrNoAvailableProvider):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, types.ErrAllProvidersFailed):
		s.writeErrorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.WithError(err).Error("Request failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
