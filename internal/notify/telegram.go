package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramStrategy sends notifications through Telegram Bot API.
// Params: optional API base URL and cached bot clients per token.
// Returns: telegram channel strategy.
type TelegramStrategy struct {
	apiBase string

	mu      sync.Mutex
	clients map[string]*tgbot.Bot
}

// NewTelegramStrategy creates Telegram strategy.
// Params: API base URL override, empty for default Bot API.
// Returns: strategy.
func NewTelegramStrategy(apiBase string) *TelegramStrategy {
	return &TelegramStrategy{
		apiBase: strings.TrimRight(strings.TrimSpace(apiBase), "/"),
		clients: make(map[string]*tgbot.Bot),
	}
}

// ChannelType returns telegram.
func (s *TelegramStrategy) ChannelType() domain.ChannelType {
	return domain.ChannelTelegram
}

// ValidateConfig checks bot_token and chat_id.
func (s *TelegramStrategy) ValidateConfig(config map[string]string) error {
	return validateRequiredKeys(domain.ChannelTelegram, config)
}

// Send posts HTML message to configured chat.
// Params: context and request.
// Returns: telegram message id or transport error.
func (s *TelegramStrategy) Send(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	config := request.Channel.Config
	if err := s.ValidateConfig(config); err != nil {
		return SendResult{}, err
	}
	client, err := s.client(strings.TrimSpace(config["bot_token"]))
	if err != nil {
		return SendResult{}, err
	}

	text := "<b>" + html.EscapeString(strings.TrimSpace(request.Subject)) + "</b>"
	if body := strings.TrimSpace(request.Body); body != "" {
		text += "\n" + html.EscapeString(body)
	}
	sent, err := client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(config["chat_id"]),
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		if errors.Is(err, tgbot.ErrorBadRequest) || errors.Is(err, tgbot.ErrorForbidden) || errors.Is(err, tgbot.ErrorUnauthorized) || errors.Is(err, tgbot.ErrorNotFound) {
			return SendResult{}, permanent.Mark(fmt.Errorf("telegram send: %w", err))
		}
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: strconv.Itoa(sent.ID)}, nil
}

func (s *TelegramStrategy) client(token string) (*tgbot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[token]; ok {
		return client, nil
	}
	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if s.apiBase != "" {
		options = append(options, tgbot.WithServerURL(s.apiBase))
	}
	client, err := tgbot.New(token, options...)
	if err != nil {
		return nil, permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
	}
	s.clients[token] = client
	return client, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
// Params: configured chat ID.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
