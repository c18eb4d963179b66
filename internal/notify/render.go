package notify

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/templatefmt"
)

// Renderer builds notification subject and body from templates or default formatter.
// Params: compiled template cache keyed by template id.
// Returns: renderer shared by dispatcher and registry.
type Renderer struct {
	mu       sync.Mutex
	compiled map[string]compiledTemplate
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
	source  domain.NotificationTemplate
}

// NewRenderer creates renderer with empty cache.
func NewRenderer() *Renderer {
	return &Renderer{compiled: make(map[string]compiledTemplate)}
}

// TemplateVariables builds values available inside notification templates.
// Params: alert snapshot, notification kind, channel, and reference time.
// Returns: variable map keyed by snake_case names.
func TemplateVariables(alert *domain.Alert, kind string, channel domain.NotificationChannel, now time.Time) map[string]any {
	vars := map[string]any{
		"alert_id":          alert.ID,
		"rule_id":           alert.RuleID,
		"title":             alert.Title,
		"description":       alert.Description,
		"severity":          string(alert.Severity),
		"status":            string(alert.Status),
		"triggered_at":      alert.TriggeredAt.Format(time.RFC3339),
		"age":               now.Sub(alert.TriggeredAt),
		"notification_type": kind,
		"channel_name":      channel.Name,
		"channel_id":        channel.ID,
		"metric_name":       "",
		"current_value":     0.0,
		"threshold":         0.0,
		"operator":          "",
		"context":           alert.Context,
	}
	if metrics := alert.Metrics; metrics != nil {
		vars["metric_name"] = metrics.MetricName
		vars["current_value"] = metrics.CurrentValue
		vars["threshold"] = metrics.ThresholdValue
		vars["operator"] = string(metrics.Operator)
	}
	return vars
}

// Render executes template against alert, falling back to default formatter.
// Params: optional template, alert, kind, channel, and reference time.
// Returns: subject, body, and template error when fallback was used because template failed.
func (r *Renderer) Render(tmpl *domain.NotificationTemplate, alert *domain.Alert, kind string, channel domain.NotificationChannel, now time.Time) (string, string, error) {
	if alert == nil {
		return "", "", fmt.Errorf("%w: render needs an alert", domain.ErrValidation)
	}
	if tmpl == nil {
		subject, body := DefaultContent(alert, kind, now)
		return subject, body, nil
	}
	compiled, err := r.compile(*tmpl)
	if err == nil {
		vars := TemplateVariables(alert, kind, channel, now)
		var subject, body strings.Builder
		if err = compiled.subject.Execute(&subject, vars); err == nil {
			err = compiled.body.Execute(&body, vars)
		}
		if err == nil {
			return strings.TrimSpace(subject.String()), strings.TrimSpace(body.String()), nil
		}
	}
	subject, body := DefaultContent(alert, kind, now)
	return subject, body, fmt.Errorf("render template %q: %w", tmpl.ID, err)
}

// ValidateTemplate parses subject and body.
// Params: template definition.
// Returns: parse error.
func ValidateTemplate(tmpl domain.NotificationTemplate) error {
	if _, err := templatefmt.ParseNotificationTemplate(tmpl.ID+".subject", tmpl.Subject); err != nil {
		return err
	}
	_, err := templatefmt.ParseNotificationTemplate(tmpl.ID+".body", tmpl.Body)
	return err
}

func (r *Renderer) compile(tmpl domain.NotificationTemplate) (compiledTemplate, error) {
	key := tmpl.ID + "/" + string(tmpl.ChannelType) + "/" + tmpl.Severity
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.compiled[key]; ok && cached.source.Subject == tmpl.Subject && cached.source.Body == tmpl.Body {
		return cached, nil
	}
	subject, err := templatefmt.ParseNotificationTemplate(key+".subject", tmpl.Subject)
	if err != nil {
		return compiledTemplate{}, err
	}
	body, err := templatefmt.ParseNotificationTemplate(key+".body", tmpl.Body)
	if err != nil {
		return compiledTemplate{}, err
	}
	compiled := compiledTemplate{subject: subject, body: body, source: tmpl}
	r.compiled[key] = compiled
	return compiled, nil
}

// DefaultContent formats notification without template.
// Params: alert, kind, and reference time.
// Returns: subject and body.
func DefaultContent(alert *domain.Alert, kind string, now time.Time) (string, string) {
	prefix := ""
	switch kind {
	case domain.KindEscalation:
		prefix = "ESCALATED: "
	case domain.KindResolution:
		prefix = "RESOLVED: "
	}
	subject := fmt.Sprintf("%s[%s] %s", prefix, strings.ToUpper(string(alert.Severity)), alert.Title)

	lines := []string{
		"Alert: " + alert.Title,
		"Severity: " + string(alert.Severity),
		"Status: " + string(alert.Status),
		"Rule: " + alert.RuleID,
		"Triggered: " + alert.TriggeredAt.Format(time.RFC3339) + " (" + templatefmt.FormatAge(now.Sub(alert.TriggeredAt)) + " ago)",
	}
	if alert.Description != "" {
		lines = append(lines, "Description: "+alert.Description)
	}
	if metrics := alert.Metrics; metrics != nil {
		lines = append(lines,
			"Condition: "+templatefmt.FormatCondition(metrics.MetricName, string(metrics.Operator), metrics.ThresholdValue),
			"Current value: "+templatefmt.FormatFloat(metrics.CurrentValue),
		)
	}
	if reason, ok := alert.Context["escalation_reason"].(string); ok && kind == domain.KindEscalation {
		lines = append(lines, "Escalation: "+reason)
	}
	if alert.ResolvedBy != "" && kind == domain.KindResolution {
		lines = append(lines, "Resolved by: "+alert.ResolvedBy)
	}
	return subject, strings.Join(lines, "\n")
}
