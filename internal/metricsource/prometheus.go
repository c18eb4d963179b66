package metricsource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"alertflow/internal/clock"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Prometheus resolves metric values through PromQL instant queries.
// Params: v1 query API, per-query timeout, clock, and logger.
// Returns: provider backed by a Prometheus server.
type Prometheus struct {
	api     v1.API
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewPrometheus creates Prometheus provider for address.
// Params: server address, query timeout, clock, and logger.
// Returns: provider or client construction error.
func NewPrometheus(address string, timeout time.Duration, clk clock.Clock, logger *slog.Logger) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client %q: %w", address, err)
	}
	return NewPrometheusWithAPI(v1.NewAPI(client), timeout, clk, logger), nil
}

// NewPrometheusWithAPI creates provider over prepared query API.
// Params: v1 API, query timeout, clock, and logger.
// Returns: provider.
func NewPrometheusWithAPI(queryAPI v1.API, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Prometheus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Prometheus{api: queryAPI, timeout: timeout, clock: clk, logger: logger}
}

// Value runs avg_over_time over window, or the bare selector when window is zero.
// Params: context, metric selector, and window.
// Returns: first sample value and false on empty result.
func (p *Prometheus) Value(ctx context.Context, metric string, window time.Duration) (float64, bool, error) {
	query := BuildQuery(metric, window)
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.api.Query(queryCtx, query, p.clock.Now())
	if err != nil {
		return 0, false, fmt.Errorf("prometheus query %q: %w", query, err)
	}
	if len(warnings) > 0 {
		p.logger.Warn("prometheus query warnings", "query", query, "warnings", strings.Join(warnings, "; "))
	}
	value, ok := firstValue(result)
	if !ok || math.IsNaN(value) {
		return 0, false, nil
	}
	return value, true, nil
}

// Context returns query metadata.
func (p *Prometheus) Context(_ context.Context, metric string, window time.Duration) (map[string]any, error) {
	return map[string]any{
		"metric_source": "prometheus",
		"query":         BuildQuery(metric, window),
	}, nil
}

// BuildQuery renders PromQL for metric over window.
// Params: metric selector and window.
// Returns: PromQL expression.
func BuildQuery(metric string, window time.Duration) string {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		return metric
	}
	return fmt.Sprintf("avg_over_time(%s[%ds])", metric, seconds)
}

func firstValue(result model.Value) (float64, bool) {
	switch typed := result.(type) {
	case model.Vector:
		if len(typed) == 0 {
			return 0, false
		}
		return float64(typed[0].Value), true
	case *model.Scalar:
		if typed == nil {
			return 0, false
		}
		return float64(typed.Value), true
	case model.Matrix:
		if len(typed) == 0 || len(typed[0].Values) == 0 {
			return 0, false
		}
		values := typed[0].Values
		return float64(values[len(values)-1].Value), true
	default:
		return 0, false
	}
}
