package providers

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry holds the configured provider gateways. Registration happens at
// startup; lookups are concurrent-safe for the request path.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	order    []string // registration order, for stable listings
	logger   *logrus.Logger
}

// NewRegistry creates an empty gateway registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		logger:   logger,
	}
}

// Register adds a gateway to the registry.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := gw.GetProviderID()
	if _, exists := r.gateways[id]; !exists {
		r.order = append(r.order, id)
	}
	r.gateways[id] = gw

	r.logger.WithField("provider", id).Info("Provider gateway registered")
}

// Get returns a gateway by provider id.
func (r *Registry) Get(id string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[id]
	return gw, ok
}

// List returns all registered provider ids in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}
