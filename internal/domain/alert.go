package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is alert severity level.
// Params: low/medium/high/critical constants.
// Returns: ordered severity with numeric priority score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether severity is known.
// Params: none.
// Returns: true for supported levels.
func (s Severity) Valid() bool {
	return s.Score() > 0
}

// Score returns numeric priority score of severity.
// Params: none.
// Returns: 1..4 for known levels, 0 otherwise.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Next returns severity one step higher; critical saturates.
// Params: none.
// Returns: escalated severity.
func (s Severity) Next() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// AlertStatus is alert lifecycle state.
type AlertStatus string

const (
	StatusTriggered    AlertStatus = "triggered"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusSuppressed   AlertStatus = "suppressed"
	StatusEscalated    AlertStatus = "escalated"
)

// Domain event types appended by alert transitions.
const (
	EventAlertTriggered    = "alert.triggered"
	EventAlertAcknowledged = "alert.acknowledged"
	EventAlertResolved     = "alert.resolved"
	EventAlertSuppressed   = "alert.suppressed"
	EventAlertEscalated    = "alert.escalated"
)

// AlertMetrics is metric snapshot taken when alert was raised.
type AlertMetrics struct {
	MetricName          string   `json:"metric_name"`
	CurrentValue        float64  `json:"current_value"`
	ThresholdValue      float64  `json:"threshold_value"`
	Operator            Operator `json:"operator"`
	EvaluationWindowSec int      `json:"evaluation_window_seconds"`
}

// DomainEvent is one immutable audit record of an alert transition.
type DomainEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AlertID    string         `json:"alert_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Alert is aggregate root of one raised alert.
// Params: identity, severity/status, timestamps/actors, context, notified channels, and pending domain events.
// Returns: lifecycle state machine guarded by transition methods.
type Alert struct {
	ID                string         `json:"id"`
	RuleID            string         `json:"rule_id"`
	Severity          Severity       `json:"severity"`
	Status            AlertStatus    `json:"status"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Metrics           *AlertMetrics  `json:"metrics,omitempty"`
	TriggeredAt       time.Time      `json:"triggered_at"`
	AcknowledgedAt    *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string         `json:"acknowledged_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	EscalatedAt       *time.Time     `json:"escalated_at,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	NotificationsSent []string       `json:"notifications_sent,omitempty"`

	events []DomainEvent
}

// NewAlert creates triggered alert and records its first domain event.
// Params: rule id, title, description, severity, optional metric snapshot, and creation time.
// Returns: alert or ErrValidation when mandatory fields are missing.
func NewAlert(ruleID, title, description string, severity Severity, metrics *AlertMetrics, now time.Time) (*Alert, error) {
	if strings.TrimSpace(ruleID) == "" {
		return nil, fmt.Errorf("%w: alert rule id is required", ErrValidation)
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: alert title is required", ErrValidation)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unsupported severity %q", ErrValidation, severity)
	}
	alert := &Alert{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		Severity:    severity,
		Status:      StatusTriggered,
		Title:       title,
		Description: description,
		Metrics:     metrics,
		TriggeredAt: now,
		Context:     make(map[string]any),
	}
	alert.record(EventAlertTriggered, now, map[string]any{
		"rule_id":  ruleID,
		"severity": string(severity),
	})
	return alert, nil
}

// IsActive reports whether alert still needs attention.
// Params: none.
// Returns: true for triggered, acknowledged, and escalated alerts.
func (a *Alert) IsActive() bool {
	switch a.Status {
	case StatusTriggered, StatusAcknowledged, StatusEscalated:
		return true
	default:
		return false
	}
}

// CanBeAcknowledged reports whether acknowledge transition is allowed.
// Params: none.
// Returns: true from triggered or escalated state.
func (a *Alert) CanBeAcknowledged() bool {
	return a.Status == StatusTriggered || a.Status == StatusEscalated
}

// CanBeEscalated reports whether explicit escalation is allowed.
// Params: none.
// Returns: true from triggered or acknowledged state below critical severity.
func (a *Alert) CanBeEscalated() bool {
	if a.Status != StatusTriggered && a.Status != StatusAcknowledged {
		return false
	}
	return a.Severity != SeverityCritical
}

// Acknowledge marks alert as seen by an operator.
// Params: actor and transition time.
// Returns: ErrInvalidTransition unless alert is triggered or escalated.
func (a *Alert) Acknowledge(by string, now time.Time) error {
	if !a.CanBeAcknowledged() {
		return fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = timePtr(now)
	a.AcknowledgedBy = by
	a.record(EventAlertAcknowledged, now, map[string]any{"acknowledged_by": by})
	return nil
}

// Resolve closes alert; resolving a resolved alert is a no-op.
// Params: optional actor and transition time.
// Returns: true when state changed.
func (a *Alert) Resolve(by string, now time.Time) bool {
	if a.Status == StatusResolved {
		return false
	}
	a.Status = StatusResolved
	a.ResolvedAt = timePtr(now)
	a.ResolvedBy = by
	a.record(EventAlertResolved, now, map[string]any{"resolved_by": by})
	return true
}

// Suppress silences alert without resolving it.
// Params: reason and transition time.
// Returns: ErrInvalidTransition when alert is already resolved.
func (a *Alert) Suppress(reason string, now time.Time) error {
	if a.Status == StatusResolved {
		return fmt.Errorf("%w: suppress resolved alert", ErrInvalidTransition)
	}
	a.Status = StatusSuppressed
	a.setContext("suppression_reason", reason)
	a.record(EventAlertSuppressed, now, map[string]any{"reason": reason})
	return nil
}

// Escalate bumps severity one step and marks alert escalated.
// Params: reason and transition time.
// Returns: ErrInvalidTransition when alert is already resolved.
func (a *Alert) Escalate(reason string, now time.Time) error {
	if a.Status == StatusResolved {
		return fmt.Errorf("%w: escalate resolved alert", ErrInvalidTransition)
	}
	previous := a.Severity
	a.Severity = a.Severity.Next()
	a.Status = StatusEscalated
	a.EscalatedAt = timePtr(now)
	a.setContext("escalation_reason", reason)
	a.record(EventAlertEscalated, now, map[string]any{
		"reason":            reason,
		"previous_severity": string(previous),
		"severity":          string(a.Severity),
	})
	return nil
}

// AgeMinutes returns minutes elapsed since alert was triggered.
// Params: reference time.
// Returns: fractional minutes.
func (a *Alert) AgeMinutes(now time.Time) float64 {
	return now.Sub(a.TriggeredAt).Minutes()
}

// TimeToAcknowledgeMinutes returns trigger-to-acknowledge delay.
// Params: none.
// Returns: minutes and false when not acknowledged.
func (a *Alert) TimeToAcknowledgeMinutes() (float64, bool) {
	if a.AcknowledgedAt == nil {
		return 0, false
	}
	return a.AcknowledgedAt.Sub(a.TriggeredAt).Minutes(), true
}

// TimeToResolveMinutes returns trigger-to-resolve delay.
// Params: none.
// Returns: minutes and false when not resolved.
func (a *Alert) TimeToResolveMinutes() (float64, bool) {
	if a.ResolvedAt == nil {
		return 0, false
	}
	return a.ResolvedAt.Sub(a.TriggeredAt).Minutes(), true
}

// RequiresEscalation reports whether alert outlived its escalation age.
// Params: reference time and maximum age in minutes (halved for critical alerts).
// Returns: true for triggered/acknowledged alerts older than threshold.
func (a *Alert) RequiresEscalation(now time.Time, maxAgeMinutes float64) bool {
	if a.Status != StatusTriggered && a.Status != StatusAcknowledged {
		return false
	}
	threshold := maxAgeMinutes
	if a.Severity == SeverityCritical {
		threshold /= 2
	}
	return a.AgeMinutes(now) > threshold
}

// MarkNotified records channel reference as already notified.
// Params: channel reference in "type:id" form.
// Returns: false when reference was already recorded.
func (a *Alert) MarkNotified(channelRef string) bool {
	for _, existing := range a.NotificationsSent {
		if existing == channelRef {
			return false
		}
	}
	a.NotificationsSent = append(a.NotificationsSent, channelRef)
	return true
}

// Events returns pending domain events in append order.
// Params: none.
// Returns: detached copy of event log.
func (a *Alert) Events() []DomainEvent {
	return append([]DomainEvent(nil), a.events...)
}

// ClearEvents drops pending domain events after they were persisted.
// Params: none.
// Returns: number of dropped events.
func (a *Alert) ClearEvents() int {
	n := len(a.events)
	a.events = nil
	return n
}

// Clone returns deep copy safe to hand to another goroutine.
// Params: none.
// Returns: detached alert copy including pending events.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	if a.Metrics != nil {
		metrics := *a.Metrics
		out.Metrics = &metrics
	}
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	out.EscalatedAt = cloneTime(a.EscalatedAt)
	out.Context = cloneAnyMap(a.Context)
	out.NotificationsSent = append([]string(nil), a.NotificationsSent...)
	out.events = append([]DomainEvent(nil), a.events...)
	return &out
}

func (a *Alert) record(eventType string, now time.Time, metadata map[string]any) {
	a.events = append(a.events, DomainEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		AlertID:    a.ID,
		Metadata:   metadata,
		OccurredAt: now,
	})
}

func (a *Alert) setContext(key string, value any) {
	if a.Context == nil {
		a.Context = make(map[string]any)
	}
	a.Context[key] = value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneAnyMap(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}
	out := make(map[string]any, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}
