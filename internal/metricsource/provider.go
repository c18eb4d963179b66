package metricsource

import (
	"context"
	"sync"
	"time"
)

// Provider resolves current metric values for rule evaluation.
// Params: metric name and evaluation window.
// Returns: value, presence flag, and lookup error.
type Provider interface {
	Value(ctx context.Context, metric string, window time.Duration) (float64, bool, error)
	Context(ctx context.Context, metric string, window time.Duration) (map[string]any, error)
}

// Static serves fixed metric values.
// Params: guarded metric map.
// Returns: provider for tests and static deployments.
type Static struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewStatic creates static provider seeded with values.
// Params: initial metric values, may be nil.
// Returns: static provider.
func NewStatic(values map[string]float64) *Static {
	copied := make(map[string]float64, len(values))
	for name, value := range values {
		copied[name] = value
	}
	return &Static{values: copied}
}

// Set replaces one metric value.
func (s *Static) Set(metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[metric] = value
}

// Delete removes metric so it reads as unavailable.
func (s *Static) Delete(metric string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, metric)
}

// Value returns configured metric value.
// Params: context, metric name, and ignored window.
// Returns: value and presence flag.
func (s *Static) Value(_ context.Context, metric string, _ time.Duration) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[metric]
	return value, ok, nil
}

// Context returns source marker for static metrics.
func (s *Static) Context(_ context.Context, _ string, _ time.Duration) (map[string]any, error) {
	return map[string]any{"metric_source": "static"}, nil
}
