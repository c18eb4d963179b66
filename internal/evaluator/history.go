package evaluator

import (
	"sync"
	"time"

	"alertflow/internal/clock"
)

// HistoryLimit caps per-rule outcome history.
const HistoryLimit = 50

const trendLength = 10

type outcome struct {
	breached bool
	at       time.Time
}

// HistoryStats summarizes recorded outcomes of one rule.
type HistoryStats struct {
	Total               int
	Breaches            int
	BreachRate          float64
	ConsecutiveBreaches int
	LastEvaluation      time.Time
	Trend               []bool
}

// Map renders stats into evaluation context keys.
func (s HistoryStats) Map() map[string]any {
	out := map[string]any{
		"history_total":        s.Total,
		"history_breaches":     s.Breaches,
		"history_breach_rate":  s.BreachRate,
		"consecutive_breaches": s.ConsecutiveBreaches,
		"recent_trend":         append([]bool(nil), s.Trend...),
	}
	if !s.LastEvaluation.IsZero() {
		out["last_evaluation"] = s.LastEvaluation
	}
	return out
}

// History keeps bounded breach outcomes per rule.
// Params: clock and guarded per-rule outcome slices.
// Returns: breach counter used by evaluator.
type History struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string][]outcome
}

// NewHistory creates empty evaluation history.
// Params: clock used for outcome timestamps.
// Returns: history.
func NewHistory(clk clock.Clock) *History {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &History{clock: clk, entries: make(map[string][]outcome)}
}

// Record appends one outcome and keeps the last HistoryLimit entries.
// Params: rule id and breach outcome.
// Returns: none.
func (h *History) Record(ruleID string, breached bool) {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.entries[ruleID], outcome{breached: breached, at: now})
	if len(entries) > HistoryLimit {
		entries = append(entries[:0:0], entries[len(entries)-HistoryLimit:]...)
	}
	h.entries[ruleID] = entries
}

// ConsecutiveBreaches counts trailing breached outcomes.
// Params: rule id.
// Returns: length of trailing true run, 0 without history.
func (h *History) ConsecutiveBreaches(ruleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return trailingBreaches(h.entries[ruleID])
}

// BreachRate returns breached fraction inside trailing window.
// Params: rule id and window (<=0 means 60 minutes).
// Returns: fraction in [0,1], 0 without entries.
func (h *History) BreachRate(ruleID string, window time.Duration) float64 {
	if window <= 0 {
		window = time.Hour
	}
	cutoff := h.clock.Now().Add(-window)

	h.mu.Lock()
	defer h.mu.Unlock()
	total, breaches := 0, 0
	for _, entry := range h.entries[ruleID] {
		if entry.at.Before(cutoff) {
			continue
		}
		total++
		if entry.breached {
			breaches++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(breaches) / float64(total)
}

// Stats summarizes rule history.
// Params: rule id.
// Returns: zero stats when rule has no history.
func (h *History) Stats(ruleID string) HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.entries[ruleID]
	if len(entries) == 0 {
		return HistoryStats{Trend: []bool{}}
	}
	stats := HistoryStats{
		Total:               len(entries),
		ConsecutiveBreaches: trailingBreaches(entries),
		LastEvaluation:      entries[len(entries)-1].at,
	}
	for _, entry := range entries {
		if entry.breached {
			stats.Breaches++
		}
	}
	stats.BreachRate = float64(stats.Breaches) / float64(stats.Total)
	start := len(entries) - trendLength
	if start < 0 {
		start = 0
	}
	stats.Trend = make([]bool, 0, len(entries)-start)
	for _, entry := range entries[start:] {
		stats.Trend = append(stats.Trend, entry.breached)
	}
	return stats
}

// Reset drops history of one rule.
func (h *History) Reset(ruleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, ruleID)
}

func trailingBreaches(entries []outcome) int {
	count := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].breached {
			break
		}
		count++
	}
	return count
}
