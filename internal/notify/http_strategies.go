package notify

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

const (
	headerConfigPrefix = "header."
	discordMaxContent  = 2000
)

// webhookPayload is JSON body posted by webhook strategy.
type webhookPayload struct {
	RequestID string              `json:"request_id"`
	Kind      string              `json:"notification_type"`
	Priority  domain.Priority     `json:"priority"`
	Subject   string              `json:"subject"`
	Message   string              `json:"message"`
	Alert     webhookAlertPayload `json:"alert"`
}

type webhookAlertPayload struct {
	ID          string             `json:"id"`
	RuleID      string             `json:"rule_id"`
	Title       string             `json:"title"`
	Severity    domain.Severity    `json:"severity"`
	Status      domain.AlertStatus `json:"status"`
	TriggeredAt string             `json:"triggered_at"`
}

// WebhookStrategy posts JSON notification payload to arbitrary endpoint.
// Params: shared HTTP client.
// Returns: webhook channel strategy.
type WebhookStrategy struct {
	client *http.Client
}

// NewWebhookStrategy creates webhook strategy.
// Params: optional HTTP client (nil uses 10s timeout client).
// Returns: strategy.
func NewWebhookStrategy(client *http.Client) *WebhookStrategy {
	return &WebhookStrategy{client: newHTTPClient(client)}
}

// ChannelType returns webhook.
func (s *WebhookStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelWebhook
}

// ValidateConfig checks url and optional method.
// Params: channel config with url, optional method and header.* keys.
// Returns: permanent validation error.
func (s *WebhookStrategy) ValidateConfig(config map[string]string) error {
	if err := validateRequiredKeys(domain.ChannelWebhook, config); err != nil {
		return err
	}
	if err := validateURL(config["url"]); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(config["method"])) {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch:
		return nil
	default:
		return permanent.Markf("%w: unsupported webhook method %q", domain.ErrValidation, config["method"])
	}
}

// Send posts request payload to configured URL.
// Params: context and request.
// Returns: status metadata or classified error.
func (s *WebhookStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	payload := webhookPayload{
		RequestID: request.ID,
		Kind:      request.Kind,
		Priority:  request.Priority,
		Subject:   request.Subject,
		Message:   request.Body,
	}
	if alert := request.Alert; alert != nil {
		payload.Alert = webhookAlertPayload{
			ID:          alert.ID,
			RuleID:      alert.RuleID,
			Title:       alert.Title,
			Severity:    alert.Severity,
			Status:      alert.Status,
			TriggeredAt: alert.TriggeredAt.Format(time.RFC3339),
		}
	}
	headers := make(map[string]string)
	for key, value := range config {
		if name, ok := strings.CutPrefix(key, headerConfigPrefix); ok && name != "" {
			headers[name] = value
		}
	}
	method := strings.ToUpper(strings.TrimSpace(config["method"]))
	status, err := postJSON(ctx, s.client, method, config["url"], payload, headers, "webhook")
	if err != nil {
		return SendResult{StatusCode: status}, err
	}
	return SendResult{StatusCode: status}, nil
}

// SlackStrategy posts messages to Slack incoming webhook.
type SlackStrategy struct {
	client *http.Client
}

// NewSlackStrategy creates Slack strategy.
func NewSlackStrategy(client *http.Client) *SlackStrategy {
	return &SlackStrategy{client: newHTTPClient(client)}
}

// ChannelType returns slack.
func (s *SlackStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelSlack
}

// ValidateConfig checks webhook_url.
func (s *SlackStrategy) ValidateConfig(config map[string]string) error {
	if err := validateRequiredKeys(domain.ChannelSlack, config); err != nil {
		return err
	}
	return validateURL(config["webhook_url"])
}

// Send posts text message with optional channel and username overrides.
// Params: context and request.
// Returns: status metadata or classified error.
func (s *SlackStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	payload := map[string]any{"text": strings.TrimSpace(severityEmoji(request) + " " + messageText(request))}
	if channel := strings.TrimSpace(config["channel"]); channel != "" {
		payload["channel"] = channel
	}
	if username := strings.TrimSpace(config["username"]); username != "" {
		payload["username"] = username
	}
	status, err := postJSON(ctx, s.client, http.MethodPost, config["webhook_url"], payload, nil, "slack")
	return SendResult{StatusCode: status}, err
}

// DiscordStrategy posts messages to Discord webhook.
type DiscordStrategy struct {
	client *http.Client
}

// NewDiscordStrategy creates Discord strategy.
func NewDiscordStrategy(client *http.Client) *DiscordStrategy {
	return &DiscordStrategy{client: newHTTPClient(client)}
}

// ChannelType returns discord.
func (s *DiscordStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelDiscord
}

// ValidateConfig checks webhook_url.
func (s *DiscordStrategy) ValidateConfig(config map[string]string) error {
	if err := validateRequiredKeys(domain.ChannelDiscord, config); err != nil {
		return err
	}
	return validateURL(config["webhook_url"])
}

// Send posts content truncated to Discord message limit.
// Params: context and request.
// Returns: status metadata or classified error.
func (s *DiscordStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	payload := map[string]any{"content": truncateRunes(messageText(request), discordMaxContent)}
	if username := strings.TrimSpace(config["username"]); username != "" {
		payload["username"] = username
	}
	status, err := postJSON(ctx, s.client, http.MethodPost, config["webhook_url"], payload, nil, "discord")
	return SendResult{StatusCode: status}, err
}

// SMSStrategy posts text messages to generic HTTP SMS gateway.
type SMSStrategy struct {
	client *http.Client
}

// NewSMSStrategy creates SMS gateway strategy.
func NewSMSStrategy(client *http.Client) *SMSStrategy {
	return &SMSStrategy{client: newHTTPClient(client)}
}

// ChannelType returns sms.
func (s *SMSStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelSMS
}

// ValidateConfig checks gateway_url and to.
func (s *SMSStrategy) ValidateConfig(config map[string]string) error {
	if err := validateRequiredKeys(domain.ChannelSMS, config); err != nil {
		return err
	}
	return validateURL(config["gateway_url"])
}

// Send posts {"to","message"} with optional bearer api_key.
// Params: context and request.
// Returns: status metadata or classified error.
func (s *SMSStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	message := request.Subject
	if message == "" {
		message = request.Body
	}
	payload := map[string]string{
		"to":      strings.TrimSpace(config["to"]),
		"message": message,
	}
	var headers map[string]string
	if apiKey := strings.TrimSpace(config["api_key"]); apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	status, err := postJSON(ctx, s.client, http.MethodPost, config["gateway_url"], payload, headers, "sms gateway")
	return SendResult{StatusCode: status}, err
}

func validateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return permanent.Markf("%w: invalid url %q", domain.ErrValidation, raw)
	}
	return nil
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}

func severityEmoji(request *domain.NotificationRequest) string {
	if request.Alert == nil {
		return ""
	}
	switch request.Alert.Severity {
	case domain.SeverityCritical:
		return ":red_circle:"
	case domain.SeverityHigh:
		return ":large_orange_circle:"
	case domain.SeverityMedium:
		return ":large_yellow_circle:"
	default:
		return ":white_circle:"
	}
}
