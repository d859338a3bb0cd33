package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/logger"
)

var (
	// ErrNotFound is returned when no route matches the requested id.
	ErrNotFound = errors.New("route not found")
	// ErrInvalidConfig marks a route set that must not replace the active one.
	ErrInvalidConfig = errors.New("invalid route configuration")
)

// Source produces the full route set from wherever routes are defined.
type Source interface {
	Load(ctx context.Context) ([]Config, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context) ([]Config, error)

func (f SourceFunc) Load(ctx context.Context) ([]Config, error) {
	return f(ctx)
}

// Registry holds the active route set. Lookups always observe one complete
// set: Reload builds a fresh map and swaps it wholesale, or leaves the
// previous set untouched when the new one is invalid.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Config
	source Source
	kinds  map[EndpointType]bool
}

// NewRegistry builds an empty registry. kinds is the set of endpoint types
// the configured drivers can serve; routes referencing anything else are
// rejected at load time.
func NewRegistry(source Source, kinds []EndpointType) *Registry {
	known := make(map[EndpointType]bool, len(kinds))
	for _, k := range kinds {
		known[k] = true
	}
	return &Registry{
		routes: make(map[string]*Config),
		source: source,
		kinds:  known,
	}
}

// Reload loads the source and atomically replaces the active set.
func (r *Registry) Reload(ctx context.Context) error {
	configs, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	next := make(map[string]*Config, len(configs))
	for i := range configs {
		cfg := configs[i]
		if cfg.ID == "" {
			return fmt.Errorf("%w: route with empty routeId", ErrInvalidConfig)
		}
		if _, dup := next[cfg.ID]; dup {
			return fmt.Errorf("%w: duplicate route %q", ErrInvalidConfig, cfg.ID)
		}
		if !r.kinds[cfg.EndpointType] {
			return fmt.Errorf(
				"%w: route %q references unknown endpoint type %q",
				ErrInvalidConfig, cfg.ID, cfg.EndpointType,
			)
		}
		next[cfg.ID] = &cfg
	}
	r.mu.Lock()
	r.routes = next
	r.mu.Unlock()
	logger.FromContext(ctx).Info("route set loaded", "routes", len(next))
	return nil
}

// Lookup returns the route for the given id.
func (r *Registry) Lookup(routeID string) (*Config, error) {
	r.mu.RLock()
	cfg, ok := r.routes[routeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, routeID)
	}
	return cfg, nil
}

// All returns a point-in-time snapshot of the active set.
func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.routes))
	for _, cfg := range r.routes {
		out = append(out, cfg)
	}
	return out
}

// Len returns the number of active routes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// MinThreshold returns the smallest staleness threshold across the active
// set. The default threshold is returned when no routes are loaded.
func (r *Registry) MinThreshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	min := time.Duration(-1)
	for _, cfg := range r.routes {
		if t := cfg.Threshold(); min < 0 || t < min {
			min = t
		}
	}
	if min < 0 {
		return DefaultStatusThresholdSeconds * time.Second
	}
	return min
}
