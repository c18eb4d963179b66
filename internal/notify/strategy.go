package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 512
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: strategy-specific identifiers.
// Returns: optional delivery metadata.
type SendResult struct {
	MessageID   string
	ExternalRef string
	StatusCode  int
}

// Strategy delivers notification requests over one channel type.
// Params: context and rendered request.
// Returns: delivery metadata or error; permanent.Mark errors are not retried.
type Strategy interface {
	ChannelType() domain.ChannelType
	ValidateConfig(config map[string]string) error
	Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error)
}

// validateRequiredKeys checks channel type required config keys.
// Params: channel type and channel config.
// Returns: permanent validation error for missing keys.
func validateRequiredKeys(channelType domain.ChannelType, config map[string]string) error {
	for _, key := range channelType.RequiredKeys() {
		if strings.TrimSpace(config[key]) == "" {
			return permanent.Mark(fmt.Errorf("%w: %s channel missing config key %q", domain.ErrValidation, channelType, key))
		}
	}
	return nil
}

// postJSON sends JSON payload and classifies response status.
// Params: context, client, method, URL, payload, extra headers, and label for errors.
// Returns: response status or classified error.
func postJSON(ctx context.Context, client *http.Client, method, url string, payload any, headers map[string]string, label string) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, permanent.Mark(fmt.Errorf("encode %s payload: %w", label, err))
	}
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, permanent.Mark(fmt.Errorf("build %s request: %w", label, err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%s send: %w", label, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return response.StatusCode, nil
	}
	return response.StatusCode, unexpectedHTTPStatusError(label, response)
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender label and HTTP response.
// Returns: permanent error for 4xx except 408/429, transient otherwise.
func unexpectedHTTPStatusError(label string, response *http.Response) error {
	classified := permanent.FromStatus(label, response.StatusCode)
	rawBody, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return classified
	}
	detailed := fmt.Errorf("%w: body=%s", classified, trimmedBody)
	if permanent.Is(classified) {
		return permanent.Error{Err: detailed, Status: response.StatusCode}
	}
	return detailed
}

// messageText joins subject and body for chat channels.
func messageText(request *domain.NotificationRequest) string {
	subject := strings.TrimSpace(request.Subject)
	body := strings.TrimSpace(request.Body)
	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return subject + "\n" + body
	}
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}
