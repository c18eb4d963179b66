package notify

import (
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
)

const rateLimitWindow = time.Hour

// RateLimiter counts sends per channel over a sliding one-hour window.
// Params: clock and guarded send timestamps per channel id.
// Returns: limiter consulted before each delivery.
type RateLimiter struct {
	mu    sync.Mutex
	clock clock.Clock
	sent  map[string][]time.Time
}

// NewRateLimiter creates empty limiter.
// Params: clock used for window arithmetic.
// Returns: limiter.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RateLimiter{clock: clk, sent: make(map[string][]time.Time)}
}

// IsRateLimited reports whether channel exhausted its hourly quota.
// Params: channel with optional rate_limit_per_hour.
// Returns: false when channel has no limit configured.
func (l *RateLimiter) IsRateLimited(channel domain.NotificationChannel) bool {
	if channel.RateLimitPerHour <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(channel.ID)) >= channel.RateLimitPerHour
}

// RecordSent appends one send timestamp for channel.
func (l *RateLimiter) RecordSent(channel domain.NotificationChannel) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent[channel.ID] = append(l.pruneLocked(channel.ID), now)
}

// RemainingQuota reports sends left in current window.
// Params: channel.
// Returns: remaining count and false when channel is unlimited.
func (l *RateLimiter) RemainingQuota(channel domain.NotificationChannel) (int, bool) {
	if channel.RateLimitPerHour <= 0 {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := channel.RateLimitPerHour - len(l.pruneLocked(channel.ID))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (l *RateLimiter) pruneLocked(channelID string) []time.Time {
	cutoff := l.clock.Now().Add(-rateLimitWindow)
	sent := l.sent[channelID]
	keep := 0
	for keep < len(sent) && !sent[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		sent = append(sent[:0:0], sent[keep:]...)
		if len(sent) == 0 {
			delete(l.sent, channelID)
		} else {
			l.sent[channelID] = sent
		}
	}
	return sent
}
