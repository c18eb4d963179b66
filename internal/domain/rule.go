package domain

import (
	"fmt"
	"strings"
	"time"
)

// Operator is comparison operator of one rule condition.
// Params: one of >, <, >=, <=, ==, !=.
// Returns: comparison semantics for threshold checks.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Evaluation context keys attached to degraded or skipped results.
const (
	ContextRuleDisabled      = "rule_disabled"
	ContextCooldownActive    = "cooldown_active"
	ContextMetricUnavailable = "metric_unavailable"
	ContextEvaluationError   = "evaluation_error"
	ContextReason            = "reason"
)

// Valid reports whether operator is supported.
// Params: none.
// Returns: true for known operators.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

// Compare applies operator to current value and threshold.
// Params: current metric value and configured threshold.
// Returns: true when condition holds; false for unknown operators.
func (o Operator) Compare(current, threshold float64) bool {
	switch o {
	case OpGreater:
		return current > threshold
	case OpLess:
		return current < threshold
	case OpGreaterEqual:
		return current >= threshold
	case OpLessEqual:
		return current <= threshold
	case OpEqual:
		return current == threshold
	case OpNotEqual:
		return current != threshold
	default:
		return false
	}
}

// RuleCondition is one metric threshold check.
// Params: metric name, threshold, operator, and evaluation window.
// Returns: condition definition for evaluator.
type RuleCondition struct {
	MetricName          string   `json:"metric_name"`
	Threshold           float64  `json:"threshold"`
	Operator            Operator `json:"operator"`
	EvaluationWindowSec int      `json:"evaluation_window_seconds"`
}

// Evaluate checks current value against condition.
// Params: current metric value.
// Returns: true when threshold is breached.
func (c RuleCondition) Evaluate(current float64) bool {
	return c.Operator.Compare(current, c.Threshold)
}

// Window returns evaluation window as duration.
// Params: none.
// Returns: window duration.
func (c RuleCondition) Window() time.Duration {
	return time.Duration(c.EvaluationWindowSec) * time.Second
}

// Validate checks condition fields.
// Params: none.
// Returns: wrapped ErrValidation on invalid fields.
func (c RuleCondition) Validate() error {
	if strings.TrimSpace(c.MetricName) == "" {
		return fmt.Errorf("%w: condition metric name is required", ErrValidation)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%w: unsupported operator %q", ErrValidation, c.Operator)
	}
	if c.EvaluationWindowSec < 0 {
		return fmt.Errorf("%w: evaluation window must be >=0", ErrValidation)
	}
	return nil
}

// AlertRule describes when an alert is raised and where it is routed.
// Params: identity, severity, condition, trigger/cooldown policy, and channel types.
// Returns: rule definition read by evaluator and orchestrator.
type AlertRule struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Severity          Severity          `json:"severity"`
	Enabled           bool              `json:"enabled"`
	Condition         RuleCondition     `json:"condition"`
	TriggerCount      int               `json:"trigger_count"`
	CooldownPeriodSec int               `json:"cooldown_period_seconds"`
	Channels          []ChannelType     `json:"notification_channels"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate checks rule invariants.
// Params: none.
// Returns: wrapped ErrValidation when rule is malformed.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule %q name is required", ErrValidation, r.ID)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: rule %q has unsupported severity %q", ErrValidation, r.ID, r.Severity)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	if r.TriggerCount < 1 {
		return fmt.Errorf("%w: rule %q trigger_count must be >=1", ErrValidation, r.ID)
	}
	if r.CooldownPeriodSec < 0 {
		return fmt.Errorf("%w: rule %q cooldown must be >=0", ErrValidation, r.ID)
	}
	for _, channelType := range r.Channels {
		if !channelType.Valid() {
			return fmt.Errorf("%w: rule %q references unsupported channel type %q", ErrValidation, r.ID, channelType)
		}
	}
	return nil
}

// Cooldown returns cooldown period as duration.
// Params: none.
// Returns: cooldown duration.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownPeriodSec) * time.Second
}

// EvaluationResult is immutable outcome of one rule evaluation.
// Params: measured values, trigger decision, breach counter, and diagnostic context.
// Returns: value consumed by orchestrator and alert factory.
type EvaluationResult struct {
	RuleID              string
	MetricName          string
	CurrentValue        float64
	ThresholdValue      float64
	Operator            Operator
	ShouldTrigger       bool
	ConsecutiveBreaches int
	Timestamp           time.Time
	Context             map[string]any
}

// Flag reports whether boolean context flag is set.
// Params: context key.
// Returns: true when key holds true.
func (r EvaluationResult) Flag(key string) bool {
	value, ok := r.Context[key].(bool)
	return ok && value
}

// Degraded reports whether result was produced without a real metric comparison.
// Params: none.
// Returns: true for disabled, cooldown, unavailable metric, or error results.
func (r EvaluationResult) Degraded() bool {
	if _, failed := r.Context[ContextEvaluationError]; failed {
		return true
	}
	return r.Flag(ContextRuleDisabled) ||
		r.Flag(ContextCooldownActive) ||
		r.Flag(ContextMetricUnavailable)
}
