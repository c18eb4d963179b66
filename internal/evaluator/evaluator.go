package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/metricsource"
	"alertflow/internal/telemetry"
)

// Evaluator checks rules against metric values with trigger-count and cooldown policy.
// Params: metric provider, breach history, clock, logger, and guarded cooldown map.
// Returns: evaluation results and alerts built from triggering results.
type Evaluator struct {
	metrics metricsource.Provider
	history *History
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// New creates rule evaluator.
// Params: metric provider, optional history (nil creates one), clock, and logger.
// Returns: evaluator with empty cooldown state.
func New(metrics metricsource.Provider, history *History, clk clock.Clock, logger *slog.Logger) *Evaluator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if history == nil {
		history = NewHistory(clk)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		metrics:   metrics,
		history:   history,
		clock:     clk,
		logger:    logger,
		cooldowns: make(map[string]time.Time),
	}
}

// History exposes breach history for stats readers.
func (e *Evaluator) History() *History {
	return e.history
}

// EvaluateRule runs one rule evaluation; failures degrade into non-triggering results.
// Params: context and rule.
// Returns: evaluation result, never an error.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule domain.AlertRule) domain.EvaluationResult {
	now := e.clock.Now()
	result := domain.EvaluationResult{
		RuleID:         rule.ID,
		MetricName:     rule.Condition.MetricName,
		ThresholdValue: rule.Condition.Threshold,
		Operator:       rule.Condition.Operator,
		Timestamp:      now,
		Context:        make(map[string]any),
	}

	if !rule.Enabled {
		result.Context[domain.ContextRuleDisabled] = true
		result.Context[domain.ContextReason] = "rule is disabled"
		telemetry.EvaluationsTotal.WithLabelValues("disabled").Inc()
		return result
	}

	if remaining := e.cooldownRemaining(rule.ID, rule.Cooldown(), now); remaining > 0 {
		result.ConsecutiveBreaches = e.history.ConsecutiveBreaches(rule.ID)
		result.Context[domain.ContextCooldownActive] = true
		result.Context["cooldown_remaining_seconds"] = remaining.Seconds()
		result.Context[domain.ContextReason] = "rule is in cooldown"
		telemetry.EvaluationsTotal.WithLabelValues("cooldown").Inc()
		return result
	}

	evaluated, err := e.evaluateCondition(ctx, rule, result)
	if err != nil {
		e.logger.Warn("rule evaluation failed", "rule_id", rule.ID, "metric", rule.Condition.MetricName, "error", err.Error())
		result.ShouldTrigger = false
		result.Context[domain.ContextEvaluationError] = err.Error()
		telemetry.EvaluationsTotal.WithLabelValues("error").Inc()
		return result
	}
	return evaluated
}

// EvaluateRules evaluates rules independently in input order.
// Params: context and rules.
// Returns: one result per rule.
func (e *Evaluator) EvaluateRules(ctx context.Context, rules []domain.AlertRule) []domain.EvaluationResult {
	results := make([]domain.EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, e.EvaluateRule(ctx, rule))
	}
	return results
}

// CreateAlertFromEvaluation builds triggered alert from triggering result.
// Params: rule and its evaluation result.
// Returns: alert or ErrNotTriggering when result does not trigger.
func (e *Evaluator) CreateAlertFromEvaluation(rule domain.AlertRule, result domain.EvaluationResult) (*domain.Alert, error) {
	if !result.ShouldTrigger {
		return nil, fmt.Errorf("rule %q: %w", rule.ID, domain.ErrNotTriggering)
	}
	metrics := &domain.AlertMetrics{
		MetricName:          result.MetricName,
		CurrentValue:        result.CurrentValue,
		ThresholdValue:      result.ThresholdValue,
		Operator:            result.Operator,
		EvaluationWindowSec: rule.Condition.EvaluationWindowSec,
	}
	title := fmt.Sprintf("%s: %s %s %g", rule.Name, result.MetricName, result.Operator, result.ThresholdValue)
	description := rule.Description
	if description == "" {
		description = fmt.Sprintf("%s is %g (threshold %s %g) after %d consecutive breaches",
			result.MetricName, result.CurrentValue, result.Operator, result.ThresholdValue, result.ConsecutiveBreaches)
	}
	alert, err := domain.NewAlert(rule.ID, title, description, rule.Severity, metrics, result.Timestamp)
	if err != nil {
		return nil, err
	}
	for key, value := range result.Context {
		alert.Context[key] = value
	}
	if len(rule.Tags) > 0 {
		alert.Context["tags"] = append([]string(nil), rule.Tags...)
	}
	return alert, nil
}

// ClearCooldown drops cooldown of one rule.
func (e *Evaluator) ClearCooldown(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cooldowns, ruleID)
}

// CooldownRemaining reports time left in rule cooldown.
// Params: rule.
// Returns: remaining duration, 0 when not cooling down.
func (e *Evaluator) CooldownRemaining(rule domain.AlertRule) time.Duration {
	return e.cooldownRemaining(rule.ID, rule.Cooldown(), e.clock.Now())
}

func (e *Evaluator) evaluateCondition(ctx context.Context, rule domain.AlertRule, result domain.EvaluationResult) (out domain.EvaluationResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic during evaluation: %v", recovered)
		}
	}()
	if e.metrics == nil {
		return result, fmt.Errorf("metric provider is not configured")
	}

	window := rule.Condition.Window()
	value, ok, err := e.metrics.Value(ctx, rule.Condition.MetricName, window)
	if err != nil {
		return result, fmt.Errorf("fetch metric %q: %w", rule.Condition.MetricName, err)
	}
	if !ok {
		result.Context[domain.ContextMetricUnavailable] = true
		result.Context[domain.ContextReason] = "metric value unavailable"
		telemetry.EvaluationsTotal.WithLabelValues("metric_unavailable").Inc()
		return result, nil
	}

	metricContext, err := e.metrics.Context(ctx, rule.Condition.MetricName, window)
	if err != nil {
		e.logger.Debug("metric context unavailable", "rule_id", rule.ID, "error", err.Error())
	}
	for key, item := range metricContext {
		result.Context[key] = item
	}

	conditionMet := rule.Condition.Evaluate(value)
	e.history.Record(rule.ID, conditionMet)
	consecutive := e.history.ConsecutiveBreaches(rule.ID)
	shouldTrigger := conditionMet && consecutive >= rule.TriggerCount
	if shouldTrigger {
		e.armCooldown(rule.ID, result.Timestamp)
	}

	for key, item := range e.history.Stats(rule.ID).Map() {
		result.Context[key] = item
	}
	result.Context["condition_met"] = conditionMet
	result.Context["trigger_count"] = rule.TriggerCount
	result.Context["cooldown_period_seconds"] = rule.CooldownPeriodSec

	result.CurrentValue = value
	result.ConsecutiveBreaches = consecutive
	result.ShouldTrigger = shouldTrigger
	if shouldTrigger {
		telemetry.EvaluationsTotal.WithLabelValues("triggered").Inc()
	} else {
		telemetry.EvaluationsTotal.WithLabelValues("ok").Inc()
	}
	return result, nil
}

func (e *Evaluator) armCooldown(ruleID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[ruleID] = at
}

func (e *Evaluator) cooldownRemaining(ruleID string, cooldown time.Duration, now time.Time) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	e.mu.Lock()
	last, ok := e.cooldowns[ruleID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}
