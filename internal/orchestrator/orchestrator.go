package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/evaluator"
	"alertflow/internal/state"
	"alertflow/internal/telemetry"
)

const (
	defaultEscalationMaxAgeMinutes = 60
	defaultAutoResolveMinAge       = 5 * time.Minute
	defaultEventLimit              = 1000

	// ActorSystem is actor recorded for automatic transitions.
	ActorSystem = "system"
	// ReasonAutoResolution is resolution reason used by auto-resolution pass.
	ReasonAutoResolution = "auto_resolution_conditions_no_longer_met"
)

// Lifecycle event types recorded by orchestrator.
const (
	EventCreated      = "created"
	EventAcknowledged = "acknowledged"
	EventResolved     = "resolved"
	EventEscalated    = "escalated"
	EventSuppressed   = "suppressed"
)

// Options controls lifecycle thresholds of evaluation pass.
// Params: escalation age in minutes, auto-resolve minimum age, alert cache refresh policy, auto-escalation switch, and lifecycle event cap.
// Returns: orchestrator tuning knobs.
type Options struct {
	EscalationMaxAgeMinutes float64
	AutoResolveMinAge       time.Duration
	RefreshAlertsEveryPass  bool
	DisableAutoEscalation   bool
	EventLimit              int
}

// OptionsFromConfig maps evaluation config section to options.
// Params: validated evaluation config.
// Returns: orchestrator options.
func OptionsFromConfig(cfg config.EvaluationConfig) Options {
	return Options{
		EscalationMaxAgeMinutes: float64(cfg.EscalationMaxAgeMin),
		AutoResolveMinAge:       time.Duration(cfg.AutoResolveMinAgeSec) * time.Second,
		RefreshAlertsEveryPass:  cfg.RefreshOnEveryPass,
		DisableAutoEscalation:   cfg.DisableAutoEscalation,
	}
}

func (o Options) withDefaults() Options {
	if o.EscalationMaxAgeMinutes <= 0 {
		o.EscalationMaxAgeMinutes = defaultEscalationMaxAgeMinutes
	}
	if o.AutoResolveMinAge <= 0 {
		o.AutoResolveMinAge = defaultAutoResolveMinAge
	}
	if o.EventLimit <= 0 {
		o.EventLimit = defaultEventLimit
	}
	return o
}

// Notifier fans alert out to notification channels.
type Notifier interface {
	SendAlertNotifications(ctx context.Context, alert *domain.Alert, rule domain.AlertRule, kind string) ([]*domain.NotificationRequest, error)
}

// LifecycleEvent is orchestrator-level record of one alert transition.
type LifecycleEvent struct {
	Type             string          `json:"type"`
	AlertID          string          `json:"alert_id"`
	RuleID           string          `json:"rule_id"`
	Severity         domain.Severity `json:"severity"`
	Actor            string          `json:"actor,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	TimeToAckMinutes float64         `json:"time_to_ack_minutes,omitempty"`
	At               time.Time       `json:"at"`
}

// CycleResult is outcome of one evaluation pass.
// Params: created alerts, raw evaluation results, and auto-transition counters.
// Returns: pass summary.
type CycleResult struct {
	Created   []*domain.Alert
	Results   []domain.EvaluationResult
	Resolved  int
	Escalated int
}

// AlertMetrics summarizes recent lifecycle events and current active alerts.
type AlertMetrics struct {
	Window                time.Duration              `json:"window"`
	EventCounts           map[string]int             `json:"event_counts"`
	ActiveTotal           int                        `json:"active_total"`
	ActiveBySeverity      map[domain.Severity]int    `json:"active_by_severity"`
	ActiveByStatus        map[domain.AlertStatus]int `json:"active_by_status"`
	AvgAcknowledgeMinutes float64                    `json:"avg_acknowledge_minutes"`
	AcknowledgedSamples   int                        `json:"acknowledged_samples"`
}

// Orchestrator drives evaluation passes and alert lifecycle transitions.
// Params: evaluator, alert/rule stores, notifier, options, clock, and logger.
// Returns: cache-backed alert lifecycle coordinator.
type Orchestrator struct {
	evaluator *evaluator.Evaluator
	alerts    state.AlertStore
	rules     state.RuleStore
	notifier  Notifier
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger

	// passMu serializes evaluation passes and cache refreshes.
	passMu sync.Mutex
	// alertMu serializes alert read-modify-write: lookup, persist, and cache update.
	alertMu sync.Mutex

	mu                sync.RWMutex
	ruleCache         map[string]domain.AlertRule
	rulesRefreshedAt  time.Time
	alertCache        map[string]*domain.Alert
	alertsRefreshedAt time.Time

	eventsMu sync.Mutex
	events   []LifecycleEvent
}

// New creates orchestrator with empty caches; call Initialize before first pass.
// Params: evaluator, alert store, rule store, optional notifier, options, clock, and logger.
// Returns: orchestrator.
func New(eval *evaluator.Evaluator, alerts state.AlertStore, rules state.RuleStore, notifier Notifier, opts Options, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		evaluator:  eval,
		alerts:     alerts,
		rules:      rules,
		notifier:   notifier,
		opts:       opts.withDefaults(),
		clock:      clk,
		logger:     logger,
		ruleCache:  make(map[string]domain.AlertRule),
		alertCache: make(map[string]*domain.Alert),
	}
}

// Initialize loads rule and active alert caches.
// Params: context for store reads.
// Returns: first store error.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.RefreshRules(ctx); err != nil {
		return err
	}
	if err := o.RefreshAlerts(ctx); err != nil {
		return err
	}
	rules, alerts, _, _ := o.CacheStatus()
	o.logger.Info("orchestrator initialized", "rules", rules, "active_alerts", alerts)
	return nil
}

// RefreshRules replaces rule cache with enabled rules from store.
// Params: context for store read.
// Returns: store error; cache stays untouched on failure.
func (o *Orchestrator) RefreshRules(ctx context.Context) error {
	rules, err := o.rules.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("refresh rules: %w", err)
	}
	next := make(map[string]domain.AlertRule, len(rules))
	for _, rule := range rules {
		next[rule.ID] = rule
	}
	o.mu.Lock()
	o.ruleCache = next
	o.rulesRefreshedAt = o.clock.Now()
	o.mu.Unlock()
	return nil
}

// RefreshAlerts replaces alert cache with active alerts from store.
// Params: context for store read.
// Returns: store error; cache stays untouched on failure.
func (o *Orchestrator) RefreshAlerts(ctx context.Context) error {
	o.alertMu.Lock()
	defer o.alertMu.Unlock()

	alerts, err := o.alerts.ActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("refresh alerts: %w", err)
	}
	next := make(map[string]*domain.Alert, len(alerts))
	for _, alert := range alerts {
		next[alert.ID] = alert
	}
	o.mu.Lock()
	o.alertCache = next
	o.alertsRefreshedAt = o.clock.Now()
	o.mu.Unlock()
	telemetry.ActiveAlerts.Set(float64(len(next)))
	return nil
}

// EvaluateAndProcessAlerts runs one evaluation pass: trigger, auto-resolve, auto-escalate.
// Params: context for evaluation, store, and notifier calls.
// Returns: pass result; empty result when pass panicked.
func (o *Orchestrator) EvaluateAndProcessAlerts(ctx context.Context) (out CycleResult) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("evaluation pass panicked", "panic", fmt.Sprint(recovered))
			out = CycleResult{}
		}
		telemetry.EvaluationCycleDuration.Observe(time.Since(started).Seconds())
	}()

	if err := o.RefreshRules(ctx); err != nil {
		o.logger.Warn("rule refresh failed, using cached rules", "error", err.Error())
	}
	if o.opts.RefreshAlertsEveryPass {
		if err := o.RefreshAlerts(ctx); err != nil {
			o.logger.Warn("alert refresh failed, using cached alerts", "error", err.Error())
		}
	}

	rules := o.cachedRules()
	resultsByRule := make(map[string]domain.EvaluationResult, len(rules))
	out.Results = make([]domain.EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		result := o.evaluator.EvaluateRule(ctx, rule)
		out.Results = append(out.Results, result)
		resultsByRule[rule.ID] = result
		if !result.ShouldTrigger {
			continue
		}
		if alert := o.createAlert(ctx, rule, result); alert != nil {
			out.Created = append(out.Created, alert)
		}
	}

	out.Resolved = o.autoResolve(ctx, resultsByRule)
	if !o.opts.DisableAutoEscalation {
		out.Escalated = o.autoEscalate(ctx)
	}
	o.logger.Debug("evaluation pass finished",
		"rules", len(rules),
		"created", len(out.Created),
		"resolved", out.Resolved,
		"escalated", out.Escalated,
	)
	return out
}

// createAlert raises alert for triggering rule unless one is already active.
func (o *Orchestrator) createAlert(ctx context.Context, rule domain.AlertRule, result domain.EvaluationResult) *domain.Alert {
	o.alertMu.Lock()
	defer o.alertMu.Unlock()

	if existing := o.activeAlertForRule(ctx, rule.ID); existing != nil {
		o.logger.Debug("rule already has active alert", "rule_id", rule.ID, "alert_id", existing.ID)
		return nil
	}
	alert, err := o.evaluator.CreateAlertFromEvaluation(rule, result)
	if err != nil {
		o.logger.Warn("alert creation failed", "rule_id", rule.ID, "error", err.Error())
		return nil
	}
	if err := o.alerts.SaveAlert(ctx, alert); err != nil {
		o.logger.Error("alert persist failed", "rule_id", rule.ID, "alert_id", alert.ID, "error", err.Error())
		return nil
	}
	o.notify(ctx, alert, rule, domain.KindAlert)
	alert.ClearEvents()
	o.cacheAlert(alert)
	o.recordEvent(LifecycleEvent{Type: EventCreated, AlertID: alert.ID, RuleID: rule.ID, Severity: alert.Severity, Actor: ActorSystem})
	telemetry.AlertsCreatedTotal.WithLabelValues(string(alert.Severity)).Inc()
	o.logger.Info("alert triggered",
		"alert_id", alert.ID,
		"rule_id", rule.ID,
		"severity", string(alert.Severity),
		"value", result.CurrentValue,
		"threshold", result.ThresholdValue,
	)
	return alert.Clone()
}

// activeAlertForRule finds active alert of rule, cache first then store.
func (o *Orchestrator) activeAlertForRule(ctx context.Context, ruleID string) *domain.Alert {
	o.mu.RLock()
	for _, alert := range o.alertCache {
		if alert.RuleID == ruleID && alert.IsActive() {
			o.mu.RUnlock()
			return alert
		}
	}
	o.mu.RUnlock()

	alerts, err := o.alerts.AlertsByRule(ctx, ruleID)
	if err != nil {
		o.logger.Warn("active alert lookup failed", "rule_id", ruleID, "error", err.Error())
		return nil
	}
	for _, alert := range alerts {
		if alert.IsActive() {
			o.cacheAlert(alert)
			return alert
		}
	}
	return nil
}

// autoResolve closes alerts whose rule stopped breaching and which are old enough.
func (o *Orchestrator) autoResolve(ctx context.Context, resultsByRule map[string]domain.EvaluationResult) int {
	now := o.clock.Now()
	resolved := 0
	for _, alert := range o.ActiveAlerts() {
		rule, ok := o.cachedRule(alert.RuleID)
		if !ok {
			continue
		}
		result, ok := resultsByRule[rule.ID]
		if !ok {
			result = o.evaluator.EvaluateRule(ctx, rule)
		}
		if result.ShouldTrigger || result.ConsecutiveBreaches != 0 || result.Degraded() {
			continue
		}
		if now.Sub(alert.TriggeredAt) < o.opts.AutoResolveMinAge {
			continue
		}
		if o.ResolveAlert(ctx, alert.ID, ActorSystem, ReasonAutoResolution) {
			resolved++
		}
	}
	return resolved
}

// autoEscalate escalates alerts that outlived escalation age.
func (o *Orchestrator) autoEscalate(ctx context.Context) int {
	now := o.clock.Now()
	escalated := 0
	for _, alert := range o.ActiveAlerts() {
		if !alert.RequiresEscalation(now, o.opts.EscalationMaxAgeMinutes) {
			continue
		}
		reason := fmt.Sprintf("alert active for %.1f minutes without resolution", alert.AgeMinutes(now))
		ok := o.transition(ctx, alert.ID, EventEscalated, ActorSystem, reason, func(target *domain.Alert) bool {
			return target.Escalate(reason, now) == nil
		})
		if ok {
			escalated++
			telemetry.AlertsEscalatedTotal.WithLabelValues("auto").Inc()
		}
	}
	return escalated
}

// AcknowledgeAlert marks alert acknowledged.
// Params: context, alert ID, and actor.
// Returns: false when alert is missing, guard rejects, or persist fails.
func (o *Orchestrator) AcknowledgeAlert(ctx context.Context, alertID, by string) bool {
	now := o.clock.Now()
	return o.transition(ctx, alertID, EventAcknowledged, by, "", func(alert *domain.Alert) bool {
		return alert.CanBeAcknowledged() && alert.Acknowledge(by, now) == nil
	})
}

// ResolveAlert closes alert.
// Params: context, alert ID, actor, and resolution reason.
// Returns: false when alert is missing, already resolved, or persist fails.
func (o *Orchestrator) ResolveAlert(ctx context.Context, alertID, by, reason string) bool {
	now := o.clock.Now()
	ok := o.transition(ctx, alertID, EventResolved, by, reason, func(alert *domain.Alert) bool {
		if !alert.Resolve(by, now) {
			return false
		}
		if reason != "" {
			if alert.Context == nil {
				alert.Context = make(map[string]any)
			}
			alert.Context["resolution_reason"] = reason
		}
		return true
	})
	if ok {
		label := "operator"
		if by == ActorSystem {
			label = ActorSystem
		}
		telemetry.AlertsResolvedTotal.WithLabelValues(label).Inc()
	}
	return ok
}

// EscalateAlert bumps alert severity on operator request.
// Params: context, alert ID, and reason.
// Returns: false when alert is missing, guard rejects (resolved or critical), or persist fails.
func (o *Orchestrator) EscalateAlert(ctx context.Context, alertID, reason string) bool {
	now := o.clock.Now()
	ok := o.transition(ctx, alertID, EventEscalated, "", reason, func(alert *domain.Alert) bool {
		return alert.CanBeEscalated() && alert.Escalate(reason, now) == nil
	})
	if ok {
		telemetry.AlertsEscalatedTotal.WithLabelValues("manual").Inc()
	}
	return ok
}

// SuppressAlert silences alert without resolving it.
// Params: context, alert ID, and reason.
// Returns: false when alert is missing, already resolved, or persist fails.
func (o *Orchestrator) SuppressAlert(ctx context.Context, alertID, reason string) bool {
	o.alertMu.Lock()
	defer o.alertMu.Unlock()

	alert, ok := o.lookup(ctx, alertID)
	if !ok {
		return false
	}
	if err := alert.Suppress(reason, o.clock.Now()); err != nil {
		o.logger.Info("alert transition rejected", "alert_id", alertID, "transition", EventSuppressed, "error", err.Error())
		return false
	}
	if err := o.alerts.UpdateAlertStatus(ctx, alertID, alert.Status, map[string]any{"suppression_reason": reason}); err != nil {
		o.logger.Error("alert status update failed", "alert_id", alertID, "error", err.Error())
		return false
	}
	alert.ClearEvents()
	o.cacheAlert(alert)
	o.recordEvent(LifecycleEvent{Type: EventSuppressed, AlertID: alert.ID, RuleID: alert.RuleID, Severity: alert.Severity, Reason: reason})
	return true
}

// transition applies guarded mutation to detached alert copy, persists it, and refreshes cache.
func (o *Orchestrator) transition(ctx context.Context, alertID, eventType, actor, reason string, apply func(*domain.Alert) bool) bool {
	o.alertMu.Lock()
	defer o.alertMu.Unlock()

	alert, ok := o.lookup(ctx, alertID)
	if !ok {
		o.logger.Info("alert not found", "alert_id", alertID, "transition", eventType)
		return false
	}
	if !apply(alert) {
		o.logger.Info("alert transition rejected", "alert_id", alertID, "transition", eventType, "status", string(alert.Status))
		return false
	}
	if err := o.alerts.SaveAlert(ctx, alert); err != nil {
		o.logger.Error("alert persist failed", "alert_id", alertID, "transition", eventType, "error", err.Error())
		return false
	}

	switch eventType {
	case EventEscalated:
		o.notifyRule(ctx, alert, domain.KindEscalation)
	case EventResolved:
		o.notifyRule(ctx, alert, domain.KindResolution)
	}
	alert.ClearEvents()
	o.cacheAlert(alert)
	event := LifecycleEvent{
		Type:     eventType,
		AlertID:  alert.ID,
		RuleID:   alert.RuleID,
		Severity: alert.Severity,
		Actor:    actor,
		Reason:   reason,
	}
	if eventType == EventAcknowledged {
		event.TimeToAckMinutes, _ = alert.TimeToAcknowledgeMinutes()
	}
	o.recordEvent(event)
	o.logger.Info("alert transition applied",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"transition", eventType,
		"status", string(alert.Status),
		"severity", string(alert.Severity),
	)
	return true
}

// lookup returns detached alert copy, cache first then store; active store hits are cached.
func (o *Orchestrator) lookup(ctx context.Context, alertID string) (*domain.Alert, bool) {
	o.mu.RLock()
	cached, ok := o.alertCache[alertID]
	o.mu.RUnlock()
	if ok {
		return cached.Clone(), true
	}

	alert, err := o.alerts.GetAlert(ctx, alertID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			o.logger.Warn("alert lookup failed", "alert_id", alertID, "error", err.Error())
		}
		return nil, false
	}
	if alert.IsActive() {
		o.cacheAlert(alert)
	}
	return alert.Clone(), true
}

// notifyRule sends notifications through alert's cached rule, if known.
func (o *Orchestrator) notifyRule(ctx context.Context, alert *domain.Alert, kind string) {
	rule, ok := o.cachedRule(alert.RuleID)
	if !ok {
		return
	}
	o.notify(ctx, alert, rule, kind)
}

// notify fans out notifications and persists notified channel refs.
func (o *Orchestrator) notify(ctx context.Context, alert *domain.Alert, rule domain.AlertRule, kind string) {
	if o.notifier == nil {
		return
	}
	before := len(alert.NotificationsSent)
	if _, err := o.notifier.SendAlertNotifications(ctx, alert, rule, kind); err != nil {
		o.logger.Warn("notification fan-out failed", "alert_id", alert.ID, "notification_type", kind, "error", err.Error())
		return
	}
	if len(alert.NotificationsSent) == before {
		return
	}
	if err := o.alerts.SaveAlert(ctx, alert); err != nil {
		o.logger.Warn("notified channels persist failed", "alert_id", alert.ID, "error", err.Error())
	}
}

// cacheAlert stores copy of active alert or evicts inactive one.
func (o *Orchestrator) cacheAlert(alert *domain.Alert) {
	o.mu.Lock()
	if alert.IsActive() {
		o.alertCache[alert.ID] = alert.Clone()
	} else {
		delete(o.alertCache, alert.ID)
	}
	size := len(o.alertCache)
	o.mu.Unlock()
	telemetry.ActiveAlerts.Set(float64(size))
}

// ForgetAlert evicts alert from cache.
// Params: alert ID.
// Returns: true when alert was cached.
func (o *Orchestrator) ForgetAlert(alertID string) bool {
	o.mu.Lock()
	_, ok := o.alertCache[alertID]
	delete(o.alertCache, alertID)
	size := len(o.alertCache)
	o.mu.Unlock()
	telemetry.ActiveAlerts.Set(float64(size))
	return ok
}

func (o *Orchestrator) cachedRule(ruleID string) (domain.AlertRule, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rule, ok := o.ruleCache[ruleID]
	return rule, ok
}

// cachedRules returns cached rules ordered by ID.
func (o *Orchestrator) cachedRules() []domain.AlertRule {
	o.mu.RLock()
	rules := make([]domain.AlertRule, 0, len(o.ruleCache))
	for _, rule := range o.ruleCache {
		rules = append(rules, rule)
	}
	o.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// ActiveAlerts returns copies of cached active alerts ordered by trigger time.
// Params: none.
// Returns: active alert snapshot.
func (o *Orchestrator) ActiveAlerts() []*domain.Alert {
	o.mu.RLock()
	out := make([]*domain.Alert, 0, len(o.alertCache))
	for _, alert := range o.alertCache {
		out = append(out, alert.Clone())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out
}

// CacheStatus reports cache sizes and refresh times.
// Params: none.
// Returns: rule count, alert count, and last refresh instants.
func (o *Orchestrator) CacheStatus() (rules, alerts int, rulesAt, alertsAt time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ruleCache), len(o.alertCache), o.rulesRefreshedAt, o.alertsRefreshedAt
}
