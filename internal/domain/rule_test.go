package domain

import (
	"errors"
	"testing"
)

func validRule() AlertRule {
	return AlertRule{
		ID:           "cpu",
		Name:         "CPU high",
		Severity:     SeverityHigh,
		Enabled:      true,
		TriggerCount: 2,
		Condition: RuleCondition{
			MetricName:          "cpu_usage",
			Threshold:           90,
			Operator:            OpGreater,
			EvaluationWindowSec: 60,
		},
		Channels: []ChannelType{ChannelSlack},
	}
}

func TestOperatorCompare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		op      Operator
		current float64
		want    bool
	}{
		{OpGreater, 91, true},
		{OpGreater, 90, false},
		{OpLess, 89, true},
		{OpGreaterEqual, 90, true},
		{OpLessEqual, 91, false},
		{OpEqual, 90, true},
		{OpNotEqual, 90, false},
		{Operator("~"), 90, false},
	}
	for _, tc := range cases {
		if got := tc.op.Compare(tc.current, 90); got != tc.want {
			t.Fatalf("%s %v 90: expected %v, got %v", tc.op, tc.current, tc.want, got)
		}
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	if err := validRule().Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	cases := map[string]func(*AlertRule){
		"empty id":        func(r *AlertRule) { r.ID = "" },
		"bad severity":    func(r *AlertRule) { r.Severity = "extreme" },
		"zero triggers":   func(r *AlertRule) { r.TriggerCount = 0 },
		"bad operator":    func(r *AlertRule) { r.Condition.Operator = "=>" },
		"missing metric":  func(r *AlertRule) { r.Condition.MetricName = "" },
		"bad channel":     func(r *AlertRule) { r.Channels = []ChannelType{"pager"} },
		"negative cooled": func(r *AlertRule) { r.CooldownPeriodSec = -1 },
	}
	for name, mutate := range cases {
		rule := validRule()
		mutate(&rule)
		if err := rule.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestEvaluationResultDegraded(t *testing.T) {
	t.Parallel()

	if (EvaluationResult{Context: map[string]any{}}).Degraded() {
		t.Fatalf("plain result must not be degraded")
	}
	if !(EvaluationResult{Context: map[string]any{ContextEvaluationError: "boom"}}).Degraded() {
		t.Fatalf("error result must be degraded")
	}
	if !(EvaluationResult{Context: map[string]any{ContextCooldownActive: true}}).Degraded() {
		t.Fatalf("cooldown result must be degraded")
	}
	if (EvaluationResult{Context: map[string]any{ContextRuleDisabled: false}}).Degraded() {
		t.Fatalf("false flag must not degrade result")
	}
}
