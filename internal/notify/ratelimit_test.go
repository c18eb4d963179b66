package notify

import (
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateLimiterHourlyWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	limiter := NewRateLimiter(clk)
	channel := domain.NotificationChannel{ID: "slack-ops", Type: domain.ChannelSlack, RateLimitPerHour: 3}

	for i := 0; i < 3; i++ {
		if limiter.IsRateLimited(channel) {
			t.Fatalf("send %d must be allowed", i)
		}
		limiter.RecordSent(channel)
		clk.Advance(time.Minute)
	}
	if !limiter.IsRateLimited(channel) {
		t.Fatalf("fourth send inside hour must be limited")
	}
	if remaining, limited := limiter.RemainingQuota(channel); !limited || remaining != 0 {
		t.Fatalf("expected zero quota, got %d %v", remaining, limited)
	}

	// first send was at testNow; one hour later it leaves the window
	clk.Set(testNow.Add(time.Hour))
	if limiter.IsRateLimited(channel) {
		t.Fatalf("send must be allowed after oldest entry expires")
	}
	if remaining, _ := limiter.RemainingQuota(channel); remaining != 1 {
		t.Fatalf("expected one slot, got %d", remaining)
	}
}

func TestRateLimiterUnlimitedChannel(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(clock.NewManual(testNow))
	channel := domain.NotificationChannel{ID: "hook", Type: domain.ChannelWebhook}
	for i := 0; i < 100; i++ {
		limiter.RecordSent(channel)
	}
	if limiter.IsRateLimited(channel) {
		t.Fatalf("channel without limit must never be limited")
	}
	if _, limited := limiter.RemainingQuota(channel); limited {
		t.Fatalf("unlimited channel must report no quota")
	}
}

func TestRateLimiterChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(clock.NewManual(testNow))
	first := domain.NotificationChannel{ID: "a", RateLimitPerHour: 1}
	second := domain.NotificationChannel{ID: "b", RateLimitPerHour: 1}
	limiter.RecordSent(first)
	if !limiter.IsRateLimited(first) {
		t.Fatalf("first channel must be limited")
	}
	if limiter.IsRateLimited(second) {
		t.Fatalf("second channel must keep its own quota")
	}
}
