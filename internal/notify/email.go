package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

const defaultSMTPPort = 587

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailStrategy delivers notifications over SMTP.
// Params: mail sender function.
// Returns: email channel strategy.
type EmailStrategy struct {
	sendMail sendMailFunc
}

// NewEmailStrategy creates SMTP strategy using net/smtp.
func NewEmailStrategy() *EmailStrategy {
	return &EmailStrategy{sendMail: smtp.SendMail}
}

// ChannelType returns email.
func (s *EmailStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelEmail
}

// ValidateConfig checks smtp_host, from, to, and optional smtp_port.
// Params: channel config.
// Returns: permanent validation error.
func (s *EmailStrategy) ValidateConfig(config map[string]string) error {
	if err := validateRequiredKeys(domain.ChannelEmail, config); err != nil {
		return err
	}
	if raw := strings.TrimSpace(config["smtp_port"]); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return permanent.Markf("%w: invalid smtp_port %q", domain.ErrValidation, raw)
		}
	}
	if len(recipients(config["to"])) == 0 {
		return permanent.Markf("%w: email channel has no recipients", domain.ErrValidation)
	}
	return nil
}

// Send writes one RFC 5322 message through SMTP with optional PLAIN auth.
// Params: context and request.
// Returns: delivery error; cancellation is honoured before dialing.
func (s *EmailStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	host := strings.TrimSpace(config["smtp_host"])
	port := defaultSMTPPort
	if raw := strings.TrimSpace(config["smtp_port"]); raw != "" {
		port, _ = strconv.Atoi(raw)
	}
	from := strings.TrimSpace(config["from"])
	to := recipients(config["to"])

	var auth smtp.Auth
	if username := strings.TrimSpace(config["username"]); username != "" {
		auth = smtp.PlainAuth("", username, config["password"], host)
	}
	message := buildEmailMessage(from, to, request)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := s.sendMail(addr, auth, from, to, message); err != nil {
		return SendResult{}, fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return SendResult{ExternalRef: request.ID}, nil
}

func buildEmailMessage(from string, to []string, request *domain.NotificationRequest) []byte {
	subject := strings.TrimSpace(request.Subject)
	if subject == "" {
		subject = "Alert notification"
	}
	var builder strings.Builder
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	builder.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	builder.WriteString("Date: " + request.CreatedAt.Format(time.RFC1123Z) + "\r\n")
	builder.WriteString("Message-ID: <" + request.ID + "@alertflow>\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(strings.ReplaceAll(request.Body, "\n", "\r\n"))
	builder.WriteString("\r\n")
	return []byte(builder.String())
}

func recipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
