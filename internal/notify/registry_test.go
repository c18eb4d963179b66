package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

type stubStrategy struct {
	channelType domain.ChannelType
	err         error
	panicWith   any
	calls       int
	last        *domain.NotificationRequest
}

func (s *stubStrategy) ChannelType() domain.ChannelType { return s.channelType }

func (s *stubStrategy) ValidateConfig(map[string]string) error { return nil }

func (s *stubStrategy) Send(_ context.Context, request *domain.NotificationRequest) (SendResult, error) {
	s.calls++
	s.last = request
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.err != nil {
		return SendResult{}, s.err
	}
	return SendResult{MessageID: "m1"}, nil
}

func TestRegistrySendNotificationSuccess(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	registry := NewRegistry(nil, nil, clk, nil)
	strategy := &stubStrategy{channelType: domain.ChannelWebhook}
	registry.Register(strategy)

	request := testRequestFor(t, domain.NotificationChannel{ID: "hook", Type: domain.ChannelWebhook}, "", "")
	result, err := registry.SendNotification(context.Background(), request)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != "m1" || request.Status != domain.DeliverySent {
		t.Fatalf("unexpected result %+v status %s", result, request.Status)
	}
	if strategy.last.Subject != "[CRITICAL] CPU high" || strategy.last.Body == "" {
		t.Fatalf("empty content must be rendered with default formatter, got %q", strategy.last.Subject)
	}
}

func TestRegistryUnregisteredTypeIsPermanent(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, nil, clock.NewManual(testNow), nil)
	request := testRequestFor(t, domain.NotificationChannel{ID: "tg", Type: domain.ChannelTelegram}, "s", "b")
	_, err := registry.SendNotification(context.Background(), request)
	if !errors.Is(err, ErrNoStrategy) || !permanent.Is(err) {
		t.Fatalf("expected permanent ErrNoStrategy, got %v", err)
	}
	if request.Status != domain.DeliveryFailed {
		t.Fatalf("status=%s", request.Status)
	}
}

func TestRegistryRecoversStrategyPanic(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, nil, clock.NewManual(testNow), nil)
	registry.Register(&stubStrategy{channelType: domain.ChannelSlack, panicWith: "boom"})
	request := testRequestFor(t, domain.NotificationChannel{ID: "s", Type: domain.ChannelSlack}, "s", "b")

	_, err := registry.SendNotification(context.Background(), request)
	if err == nil {
		t.Fatalf("expected error from panicking strategy")
	}
	if permanent.Is(err) {
		t.Fatalf("panic must stay retryable: %v", err)
	}
	if request.Status != domain.DeliveryFailed || request.LastError == "" {
		t.Fatalf("request not marked failed: %+v", request)
	}
}

func TestRegistryRateLimitsChannel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	registry := NewRegistry(nil, nil, clk, nil)
	strategy := &stubStrategy{channelType: domain.ChannelSlack}
	registry.Register(strategy)
	channel := domain.NotificationChannel{ID: "s", Type: domain.ChannelSlack, RateLimitPerHour: 3}

	for i := 0; i < 3; i++ {
		if _, err := registry.SendNotification(context.Background(), testRequestFor(t, channel, "s", "b")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}
	request := testRequestFor(t, channel, "s", "b")
	_, err := registry.SendNotification(context.Background(), request)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if request.Status != domain.DeliveryRateLimited {
		t.Fatalf("status=%s", request.Status)
	}
	if strategy.calls != 3 {
		t.Fatalf("rate limited request must not reach strategy, calls=%d", strategy.calls)
	}
}

func TestRegistryDeliveryStatistics(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	registry := NewRegistry(nil, nil, clk, nil)
	registry.Register(&stubStrategy{channelType: domain.ChannelSlack})
	registry.Register(&stubStrategy{channelType: domain.ChannelWebhook, err: errors.New("down")})

	slack := domain.NotificationChannel{ID: "s", Type: domain.ChannelSlack}
	hook := domain.NotificationChannel{ID: "h", Type: domain.ChannelWebhook}

	_, _ = registry.SendNotification(context.Background(), testRequestFor(t, slack, "s", "b"))
	clk.Advance(2 * time.Hour)
	_, _ = registry.SendNotification(context.Background(), testRequestFor(t, slack, "s", "b"))
	_, _ = registry.SendNotification(context.Background(), testRequestFor(t, hook, "s", "b"))

	stats := registry.DeliveryStatistics(time.Hour)
	if stats.Total != 2 || stats.Successful != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected windowed stats %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("success rate=%v", stats.SuccessRate)
	}
	if stats.ByChannelType[domain.ChannelWebhook].Failed != 1 {
		t.Fatalf("breakdown by type=%+v", stats.ByChannelType)
	}
	if stats.ByStrategy["stubStrategy"].Total != 2 {
		t.Fatalf("breakdown by strategy=%+v", stats.ByStrategy)
	}

	all := registry.DeliveryStatistics(0)
	if all.Total != 3 {
		t.Fatalf("default window must cover a day, got %d", all.Total)
	}
}

func TestRegistryAttemptHistoryIsBounded(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, nil, clock.NewManual(testNow), nil)
	registry.historyLimit = 5
	registry.Register(&stubStrategy{channelType: domain.ChannelSlack})
	channel := domain.NotificationChannel{ID: "s", Type: domain.ChannelSlack}
	for i := 0; i < 8; i++ {
		_, _ = registry.SendNotification(context.Background(), testRequestFor(t, channel, "s", "b"))
	}
	if got := len(registry.Attempts()); got != 5 {
		t.Fatalf("expected 5 retained attempts, got %d", got)
	}
}

func TestRegistryValidateChannel(t *testing.T) {
	t.Parallel()

	registry := NewDefaultRegistry(time.Second, "", nil, nil, clock.NewManual(testNow), nil)
	for _, channelType := range domain.ChannelTypes() {
		if _, ok := registry.Strategy(channelType); !ok {
			t.Fatalf("default registry misses %s", channelType)
		}
	}
	err := registry.ValidateChannel(domain.NotificationChannel{ID: "h", Type: domain.ChannelWebhook, Config: map[string]string{"url": "nope"}})
	if err == nil || !permanent.Is(err) {
		t.Fatalf("expected permanent validation error, got %v", err)
	}
	if err := registry.ValidateChannel(domain.NotificationChannel{ID: "h", Type: domain.ChannelWebhook, Config: map[string]string{"url": "https://example.com/hook"}}); err != nil {
		t.Fatalf("valid webhook rejected: %v", err)
	}
}
