package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/permanent"
	"alertflow/internal/telemetry"
)

const defaultAttemptHistory = 1000

var (
	// ErrNoStrategy marks requests for channel types without registered strategy.
	ErrNoStrategy = errors.New("no delivery strategy registered")
	// ErrRateLimited marks requests rejected by channel hourly quota.
	ErrRateLimited = errors.New("channel rate limited")
)

// DeliveryAttempt is one recorded strategy invocation.
type DeliveryAttempt struct {
	RequestID   string
	ChannelID   string
	ChannelType domain.ChannelType
	Strategy    string
	Success     bool
	Error       string
	Duration    time.Duration
	At          time.Time
}

// BreakdownStats aggregates attempts of one channel type or strategy.
type BreakdownStats struct {
	Total      int
	Successful int
	Failed     int
}

// DeliveryStats aggregates attempts inside a time window.
type DeliveryStats struct {
	Window          time.Duration
	Total           int
	Successful      int
	Failed          int
	SuccessRate     float64
	AvgDeliveryTime time.Duration
	ByChannelType   map[domain.ChannelType]BreakdownStats
	ByStrategy      map[string]BreakdownStats
}

// Registry maps channel types to delivery strategies and records attempts.
// Params: strategies, rate limiter, renderer, clock, logger, and bounded attempt history.
// Returns: single entrypoint for all notification deliveries.
type Registry struct {
	mu         sync.RWMutex
	strategies map[domain.ChannelType]Strategy

	limiter  *RateLimiter
	renderer *Renderer
	clock    clock.Clock
	logger   *slog.Logger

	historyMu    sync.Mutex
	attempts     []DeliveryAttempt
	historyLimit int
}

// NewRegistry creates empty strategy registry.
// Params: rate limiter, renderer, clock, and logger; nil values get defaults.
// Returns: registry.
func NewRegistry(limiter *RateLimiter, renderer *Renderer, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if limiter == nil {
		limiter = NewRateLimiter(clk)
	}
	if renderer == nil {
		renderer = NewRenderer()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		strategies:   make(map[domain.ChannelType]Strategy),
		limiter:      limiter,
		renderer:     renderer,
		clock:        clk,
		logger:       logger,
		historyLimit: defaultAttemptHistory,
	}
}

// NewDefaultRegistry registers all built-in strategies.
// Params: shared HTTP timeout, telegram API base, limiter, renderer, clock, and logger.
// Returns: registry with email, slack, webhook, discord, sms, and telegram strategies.
func NewDefaultRegistry(httpTimeout time.Duration, telegramAPIBase string, limiter *RateLimiter, renderer *Renderer, clk clock.Clock, logger *slog.Logger) *Registry {
	registry := NewRegistry(limiter, renderer, clk, logger)
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}
	client := newHTTPClient(nil)
	client.Timeout = httpTimeout
	registry.Register(NewEmailStrategy())
	registry.Register(NewSlackStrategy(client))
	registry.Register(NewWebhookStrategy(client))
	registry.Register(NewDiscordStrategy(client))
	registry.Register(NewSMSStrategy(client))
	registry.Register(NewTelegramStrategy(telegramAPIBase))
	return registry
}

// Register binds strategy to its channel type, replacing previous binding.
func (r *Registry) Register(strategy Strategy) {
	if strategy == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategy.ChannelType()] = strategy
}

// Strategy looks up strategy by channel type.
// Params: channel type.
// Returns: strategy and presence flag.
func (r *Registry) Strategy(channelType domain.ChannelType) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	strategy, ok := r.strategies[channelType]
	return strategy, ok
}

// Limiter exposes rate limiter for quota introspection.
func (r *Registry) Limiter() *RateLimiter {
	return r.limiter
}

// ValidateChannel checks channel against its strategy config contract.
// Params: channel.
// Returns: ErrNoStrategy or strategy validation error.
func (r *Registry) ValidateChannel(channel domain.NotificationChannel) error {
	strategy, ok := r.Strategy(channel.Type)
	if !ok {
		return fmt.Errorf("channel %q: %w for %q", channel.ID, ErrNoStrategy, channel.Type)
	}
	if err := strategy.ValidateConfig(channel.Config); err != nil {
		return fmt.Errorf("channel %q: %w", channel.ID, err)
	}
	return nil
}

// SendNotification delivers one request through its channel strategy.
// Params: context and request; request status is updated in place.
// Returns: delivery metadata; ErrNoStrategy (permanent), ErrRateLimited, or strategy error.
func (r *Registry) SendNotification(ctx context.Context, request *domain.NotificationRequest) (SendResult, error) {
	if request == nil {
		return SendResult{}, permanent.Markf("%w: nil notification request", domain.ErrValidation)
	}
	channel := request.Channel
	strategy, ok := r.Strategy(channel.Type)
	if !ok {
		err := permanent.Mark(fmt.Errorf("%w for %q", ErrNoStrategy, channel.Type))
		request.MarkFailed(err.Error(), nil)
		telemetry.NotificationsTotal.WithLabelValues(string(channel.Type), "failed").Inc()
		return SendResult{}, err
	}

	if r.limiter.IsRateLimited(channel) {
		request.MarkRateLimited()
		telemetry.NotificationsTotal.WithLabelValues(string(channel.Type), "rate_limited").Inc()
		return SendResult{}, fmt.Errorf("channel %q: %w", channel.ID, ErrRateLimited)
	}

	if request.Subject == "" && request.Body == "" && request.Alert != nil {
		request.Subject, request.Body, _ = r.renderer.Render(nil, request.Alert, request.Kind, channel, r.clock.Now())
	}

	started := r.clock.Now()
	wallStart := time.Now()
	result, err := r.invoke(ctx, strategy, request)
	elapsed := time.Since(wallStart)

	attempt := DeliveryAttempt{
		RequestID:   request.ID,
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
		Strategy:    strategyName(strategy),
		Success:     err == nil,
		Duration:    elapsed,
		At:          started,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	r.recordAttempt(attempt)
	telemetry.NotificationDeliveryDuration.WithLabelValues(string(channel.Type)).Observe(elapsed.Seconds())

	if err != nil {
		request.MarkFailed(err.Error(), nil)
		telemetry.NotificationsTotal.WithLabelValues(string(channel.Type), "failed").Inc()
		r.logger.Warn("notification delivery failed",
			"request_id", request.ID,
			"alert_id", request.AlertID(),
			"channel_id", channel.ID,
			"channel_type", string(channel.Type),
			"permanent", permanent.Is(err),
			"error", err.Error(),
		)
		return SendResult{}, err
	}

	request.MarkSent(r.clock.Now())
	r.limiter.RecordSent(channel)
	telemetry.NotificationsTotal.WithLabelValues(string(channel.Type), "sent").Inc()
	r.logger.Debug("notification delivered",
		"request_id", request.ID,
		"alert_id", request.AlertID(),
		"channel_id", channel.ID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// DeliveryStatistics aggregates attempts inside trailing window.
// Params: window (<=0 means 24 hours).
// Returns: totals, success rate, average delivery time, and breakdowns.
func (r *Registry) DeliveryStatistics(window time.Duration) DeliveryStats {
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := r.clock.Now().Add(-window)
	stats := DeliveryStats{
		Window:        window,
		ByChannelType: make(map[domain.ChannelType]BreakdownStats),
		ByStrategy:    make(map[string]BreakdownStats),
	}

	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	var totalDuration time.Duration
	for _, attempt := range r.attempts {
		if attempt.At.Before(cutoff) {
			continue
		}
		stats.Total++
		totalDuration += attempt.Duration
		byType := stats.ByChannelType[attempt.ChannelType]
		byStrategy := stats.ByStrategy[attempt.Strategy]
		byType.Total++
		byStrategy.Total++
		if attempt.Success {
			stats.Successful++
			byType.Successful++
			byStrategy.Successful++
		} else {
			stats.Failed++
			byType.Failed++
			byStrategy.Failed++
		}
		stats.ByChannelType[attempt.ChannelType] = byType
		stats.ByStrategy[attempt.Strategy] = byStrategy
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
		stats.AvgDeliveryTime = totalDuration / time.Duration(stats.Total)
	}
	return stats
}

// Attempts returns copy of recorded attempt history.
func (r *Registry) Attempts() []DeliveryAttempt {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	return append([]DeliveryAttempt(nil), r.attempts...)
}

func (r *Registry) invoke(ctx context.Context, strategy Strategy, request *domain.NotificationRequest) (result SendResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("strategy %s panicked: %v", strategyName(strategy), recovered)
		}
	}()
	return strategy.Send(ctx, request)
}

func (r *Registry) recordAttempt(attempt DeliveryAttempt) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.attempts = append(r.attempts, attempt)
	if overflow := len(r.attempts) - r.historyLimit; overflow > 0 {
		r.attempts = append(r.attempts[:0:0], r.attempts[overflow:]...)
	}
}

func strategyName(strategy Strategy) string {
	name := fmt.Sprintf("%T", strategy)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
