package metricsource

import (
	"context"
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
)

type point struct {
	at    time.Time
	value float64
}

// Window keeps recent ingested samples per metric and averages them over evaluation windows.
// Params: retention horizon, clock, and guarded per-metric sample series.
// Returns: provider backed by ingest pushes.
type Window struct {
	mu        sync.Mutex
	retention time.Duration
	clock     clock.Clock
	series    map[string][]point
}

// NewWindow creates in-memory sample window.
// Params: retention horizon (<=0 means one hour) and clock.
// Returns: empty window provider.
func NewWindow(retention time.Duration, clk clock.Clock) *Window {
	if retention <= 0 {
		retention = time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Window{
		retention: retention,
		clock:     clk,
		series:    make(map[string][]point),
	}
}

// Push stores one validated sample.
// Params: sample from ingest.
// Returns: validation error.
func (w *Window) Push(sample domain.Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	now := w.clock.Now()
	at := sample.Time(now)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.insertLocked(sample.Metric, point{at: at, value: sample.Value})
	w.pruneLocked(sample.Metric, now)
	return nil
}

// PushBatch stores samples in order.
// Params: validated sample batch.
// Returns: first validation error.
func (w *Window) PushBatch(samples []domain.Sample) error {
	for _, sample := range samples {
		if err := w.Push(sample); err != nil {
			return err
		}
	}
	return nil
}

// Value returns mean of samples inside window.
// Params: context, metric name, and window (<=0 means latest sample only).
// Returns: mean value and false when no sample falls inside window.
func (w *Window) Value(_ context.Context, metric string, window time.Duration) (float64, bool, error) {
	points := w.collect(metric, window)
	if len(points) == 0 {
		return 0, false, nil
	}
	var sum float64
	for _, p := range points {
		sum += p.value
	}
	return sum / float64(len(points)), true, nil
}

// Context returns count, min, max, and last sample time for window.
func (w *Window) Context(_ context.Context, metric string, window time.Duration) (map[string]any, error) {
	points := w.collect(metric, window)
	out := map[string]any{
		"metric_source": "window",
		"sample_count":  len(points),
	}
	if len(points) == 0 {
		return out, nil
	}
	minValue, maxValue := points[0].value, points[0].value
	for _, p := range points[1:] {
		if p.value < minValue {
			minValue = p.value
		}
		if p.value > maxValue {
			maxValue = p.value
		}
	}
	out["min"] = minValue
	out["max"] = maxValue
	out["last_sample_at"] = points[len(points)-1].at
	return out, nil
}

func (w *Window) collect(metric string, window time.Duration) []point {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(metric, now)
	series := w.series[metric]
	if len(series) == 0 {
		return nil
	}
	if window <= 0 {
		return []point{series[len(series)-1]}
	}
	cutoff := now.Add(-window)
	out := make([]point, 0, len(series))
	for _, p := range series {
		if p.at.Before(cutoff) || p.at.After(now) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (w *Window) insertLocked(metric string, p point) {
	series := w.series[metric]
	idx := len(series)
	for idx > 0 && series[idx-1].at.After(p.at) {
		idx--
	}
	series = append(series, point{})
	copy(series[idx+1:], series[idx:])
	series[idx] = p
	w.series[metric] = series
}

func (w *Window) pruneLocked(metric string, now time.Time) {
	series := w.series[metric]
	cutoff := now.Add(-w.retention)
	drop := 0
	for drop < len(series) && series[drop].at.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	if drop == len(series) {
		delete(w.series, metric)
		return
	}
	w.series[metric] = append(series[:0:0], series[drop:]...)
}
