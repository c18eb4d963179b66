package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType is delivery mechanism kind.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSlack    ChannelType = "slack"
	ChannelWebhook  ChannelType = "webhook"
	ChannelDiscord  ChannelType = "discord"
	ChannelSMS      ChannelType = "sms"
	ChannelTelegram ChannelType = "telegram"
)

var requiredChannelKeys = map[ChannelType][]string{
	ChannelEmail:    {"smtp_host", "from", "to"},
	ChannelSlack:    {"webhook_url"},
	ChannelWebhook:  {"url"},
	ChannelDiscord:  {"webhook_url"},
	ChannelSMS:      {"gateway_url", "to"},
	ChannelTelegram: {"bot_token", "chat_id"},
}

// Valid reports whether channel type is known.
// Params: none.
// Returns: true for supported channel types.
func (t ChannelType) Valid() bool {
	_, ok := requiredChannelKeys[t]
	return ok
}

// RequiredKeys returns config keys every channel of this type must carry.
// Params: none.
// Returns: copy of required key list.
func (t ChannelType) RequiredKeys() []string {
	return append([]string(nil), requiredChannelKeys[t]...)
}

// ChannelTypes returns all supported channel types in stable order.
// Params: none.
// Returns: sorted channel type list.
func ChannelTypes() []ChannelType {
	out := make([]ChannelType, 0, len(requiredChannelKeys))
	for channelType := range requiredChannelKeys {
		out = append(out, channelType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Priority is delivery urgency of a notification request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns ordering weight of priority.
// Params: none.
// Returns: 1..4 for known priorities, 0 otherwise.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Valid reports whether priority is known.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Priorities lists priorities from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// PriorityForSeverity maps alert severity to delivery priority.
// Params: alert severity.
// Returns: matching priority; unknown severities map to normal.
func PriorityForSeverity(severity Severity) Priority {
	switch severity {
	case SeverityLow:
		return PriorityLow
	case SeverityHigh:
		return PriorityHigh
	case SeverityCritical:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// DeliveryStatus is notification request delivery state.
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryRetrying    DeliveryStatus = "retrying"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// Notification kinds carried by requests.
const (
	KindAlert      = "alert"
	KindEscalation = "escalation"
	KindResolution = "resolution"
)

// NotificationChannel is one configured delivery target.
// Params: identity, channel type, type-specific config, enabled flag, hourly rate limit, and minimum priority.
// Returns: validated routing target.
type NotificationChannel struct {
	ID               string            `json:"id"`
	Type             ChannelType       `json:"type"`
	Name             string            `json:"name"`
	Config           map[string]string `json:"config"`
	Enabled          bool              `json:"enabled"`
	RateLimitPerHour int               `json:"rate_limit_per_hour,omitempty"`
	PriorityFilter   Priority          `json:"priority_filter,omitempty"`
}

// NewNotificationChannel validates and returns channel.
// Params: channel fields.
// Returns: channel or ErrValidation when required config keys are missing.
func NewNotificationChannel(channel NotificationChannel) (NotificationChannel, error) {
	if err := channel.Validate(); err != nil {
		return NotificationChannel{}, err
	}
	return channel, nil
}

// Validate checks channel type, required config keys, rate limit, and priority filter.
// Params: none.
// Returns: wrapped ErrValidation on malformed channel.
func (c NotificationChannel) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrValidation)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: channel %q has unsupported type %q", ErrValidation, c.ID, c.Type)
	}
	for _, key := range c.Type.RequiredKeys() {
		if strings.TrimSpace(c.Config[key]) == "" {
			return fmt.Errorf("%w: channel %q missing required config key %q", ErrValidation, c.ID, key)
		}
	}
	if c.RateLimitPerHour < 0 {
		return fmt.Errorf("%w: channel %q rate_limit_per_hour must be >=0", ErrValidation, c.ID)
	}
	if c.PriorityFilter != "" && !c.PriorityFilter.Valid() {
		return fmt.Errorf("%w: channel %q has unsupported priority filter %q", ErrValidation, c.ID, c.PriorityFilter)
	}
	return nil
}

// Accepts reports whether channel priority filter admits priority.
// Params: request priority.
// Returns: true when filter is empty or priority ranks at or above filter minimum.
func (c NotificationChannel) Accepts(priority Priority) bool {
	if c.PriorityFilter == "" {
		return true
	}
	return priority.Rank() >= c.PriorityFilter.Rank()
}

// Ref returns stable "type:id" reference stored on alerts.
func (c NotificationChannel) Ref() string {
	return string(c.Type) + ":" + c.ID
}

// NotificationTemplate is per-channel-type, per-severity message template.
// Params: identity, channel type, severity key, subject and body text/template sources, and declared variables.
// Returns: template definition consumed by renderer.
type NotificationTemplate struct {
	ID          string      `json:"id"`
	ChannelType ChannelType `json:"channel_type"`
	Name        string      `json:"name"`
	Severity    string      `json:"severity"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Variables   []string    `json:"variables,omitempty"`
}

// NotificationRequest is one unit of delivery work.
// Params: alert snapshot, channel, rendered content, priority, retry state, and timestamps.
// Returns: mutable request tracked by dispatcher.
type NotificationRequest struct {
	ID          string              `json:"id"`
	Alert       *Alert              `json:"alert"`
	Channel     NotificationChannel `json:"channel"`
	Kind        string              `json:"notification_type"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Priority    Priority            `json:"priority"`
	Status      DeliveryStatus      `json:"status"`
	RetryCount  int                 `json:"retry_count"`
	MaxRetries  int                 `json:"max_retries"`
	CreatedAt   time.Time           `json:"created_at"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	NextRetryAt *time.Time          `json:"next_retry_at,omitempty"`
}

// NewNotificationRequest builds pending request for one alert and channel.
// Params: alert, channel, kind, rendered subject/body, priority, retry ceiling, and creation time.
// Returns: request or ErrValidation when alert is nil or channel disabled.
func NewNotificationRequest(alert *Alert, channel NotificationChannel, kind, subject, body string, priority Priority, maxRetries int, now time.Time) (*NotificationRequest, error) {
	if alert == nil {
		return nil, fmt.Errorf("%w: notification request needs an alert", ErrValidation)
	}
	if !channel.Enabled {
		return nil, fmt.Errorf("%w: channel %q is disabled", ErrValidation, channel.ID)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unsupported priority %q", ErrValidation, priority)
	}
	if kind == "" {
		kind = KindAlert
	}
	return &NotificationRequest{
		ID:         uuid.NewString(),
		Alert:      alert.Clone(),
		Channel:    channel,
		Kind:       kind,
		Subject:    subject,
		Body:       body,
		Priority:   priority,
		Status:     DeliveryPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}, nil
}

// MarkSent records successful delivery.
func (r *NotificationRequest) MarkSent(now time.Time) {
	r.Status = DeliverySent
	r.SentAt = timePtr(now)
	r.LastError = ""
	r.NextRetryAt = nil
}

// MarkFailed records failed attempt.
// Params: failure message and optional next retry time.
// Returns: none.
func (r *NotificationRequest) MarkFailed(message string, nextRetry *time.Time) {
	r.Status = DeliveryFailed
	r.LastError = message
	r.NextRetryAt = cloneTime(nextRetry)
}

// MarkRateLimited records that channel quota rejected the attempt.
func (r *NotificationRequest) MarkRateLimited() {
	r.Status = DeliveryRateLimited
}

// MarkRetrying increments retry count and moves request back to retrying state.
func (r *NotificationRequest) MarkRetrying() {
	r.RetryCount++
	r.Status = DeliveryRetrying
	r.NextRetryAt = nil
}

// CanRetry reports whether retry budget remains.
func (r *NotificationRequest) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// Age returns time elapsed since request creation.
func (r *NotificationRequest) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// AlertID returns id of carried alert snapshot.
func (r *NotificationRequest) AlertID() string {
	if r.Alert == nil {
		return ""
	}
	return r.Alert.ID
}
