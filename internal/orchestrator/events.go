package orchestrator

import (
	"time"

	"alertflow/internal/domain"
)

const metricsWindow = 24 * time.Hour

func (o *Orchestrator) recordEvent(event LifecycleEvent) {
	if event.At.IsZero() {
		event.At = o.clock.Now()
	}
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	o.events = append(o.events, event)
	if overflow := len(o.events) - o.opts.EventLimit; overflow > 0 {
		o.events = append([]LifecycleEvent(nil), o.events[overflow:]...)
	}
}

// Events returns copy of retained lifecycle events, oldest first.
func (o *Orchestrator) Events() []LifecycleEvent {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	return append([]LifecycleEvent(nil), o.events...)
}

// AlertMetrics summarizes lifecycle events of trailing day and current active alerts.
// Params: reference time.
// Returns: event counts, active distribution, and average acknowledgment minutes of recent acknowledgments.
func (o *Orchestrator) AlertMetrics(now time.Time) AlertMetrics {
	metrics := AlertMetrics{
		Window:           metricsWindow,
		EventCounts:      make(map[string]int),
		ActiveBySeverity: make(map[domain.Severity]int),
		ActiveByStatus:   make(map[domain.AlertStatus]int),
	}
	cutoff := now.Add(-metricsWindow)
	var ackTotal float64
	for _, event := range o.Events() {
		if event.At.Before(cutoff) {
			continue
		}
		metrics.EventCounts[event.Type]++
		if event.Type == EventAcknowledged {
			ackTotal += event.TimeToAckMinutes
			metrics.AcknowledgedSamples++
		}
	}
	if metrics.AcknowledgedSamples > 0 {
		metrics.AvgAcknowledgeMinutes = ackTotal / float64(metrics.AcknowledgedSamples)
	}

	for _, alert := range o.ActiveAlerts() {
		metrics.ActiveTotal++
		metrics.ActiveBySeverity[alert.Severity]++
		metrics.ActiveByStatus[alert.Status]++
	}
	return metrics
}
