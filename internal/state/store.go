package state

import (
	"context"
	"errors"

	"alertflow/internal/domain"
)

var (
	// ErrNotFound indicates absent alert, rule, channel, or template.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")

	errInvalidAlert = errors.New("alert must have an id")
)

// AlertStore provides alert persistence operations.
// Params: save/lookup/list operations keyed by alert ID and rule ID.
// Returns: backend persistence behavior.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *domain.Alert) error
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	ActiveAlerts(ctx context.Context) ([]*domain.Alert, error)
	AlertsByRule(ctx context.Context, ruleID string) ([]*domain.Alert, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus, metadata map[string]any) error
	Close() error
}

// RuleStore provides alert rule lookup.
type RuleStore interface {
	EnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	GetRule(ctx context.Context, ruleID string) (domain.AlertRule, error)
	SaveRule(ctx context.Context, rule domain.AlertRule) error
}

// ChannelStore provides notification channel lookup.
// Params: optional type filter for enabled channels.
// Returns: channel definitions.
type ChannelStore interface {
	EnabledChannels(ctx context.Context, types ...domain.ChannelType) ([]domain.NotificationChannel, error)
	GetChannel(ctx context.Context, channelID string) (domain.NotificationChannel, error)
	ChannelsByType(ctx context.Context, channelType domain.ChannelType) ([]domain.NotificationChannel, error)
}

// TemplateStore provides notification template lookup.
// Params: channel type plus template name or alert severity.
// Returns: template or ErrNotFound.
type TemplateStore interface {
	GetTemplate(ctx context.Context, channelType domain.ChannelType, name string) (domain.NotificationTemplate, error)
	AlertTemplate(ctx context.Context, channelType domain.ChannelType, severity domain.Severity) (domain.NotificationTemplate, error)
}

// applyStatus mutates stored alert status and merges status metadata into context.
// Params: alert copy, target status, and optional metadata.
// Returns: none.
func applyStatus(alert *domain.Alert, status domain.AlertStatus, metadata map[string]any) {
	alert.Status = status
	if len(metadata) == 0 {
		return
	}
	if alert.Context == nil {
		alert.Context = make(map[string]any, len(metadata))
	}
	for key, value := range metadata {
		alert.Context[key] = value
	}
}
