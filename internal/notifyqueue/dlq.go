package notifyqueue

import (
	"context"
	"sync"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

// DLQReason identifies why notification request was moved to dead-letter sink.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable delivery failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxRetriesExceeded marks retries exhausted by dispatcher policy.
	DLQReasonMaxRetriesExceeded DLQReason = "max_retries_exceeded"
	// DLQReasonExpired marks requests dropped by queue max age.
	DLQReasonExpired DLQReason = "expired"
)

// DLQEntry is dead-letter payload for permanently failed notifications.
// Params: request snapshot, failure metadata, and retry counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	RequestID   string             `json:"request_id"`
	AlertID     string             `json:"alert_id"`
	ChannelID   string             `json:"channel_id"`
	ChannelType domain.ChannelType `json:"channel_type"`
	Kind        string             `json:"notification_type"`
	Priority    domain.Priority    `json:"priority"`
	Subject     string             `json:"subject"`
	Reason      DLQReason          `json:"reason"`
	Error       string             `json:"error"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	FailedAt    time.Time          `json:"failed_at"`
}

// NewDLQEntry builds dead-letter entry from request state.
// Params: failed request, reason, and failure time.
// Returns: DLQ entry.
func NewDLQEntry(request *domain.NotificationRequest, reason DLQReason, failedAt time.Time) DLQEntry {
	entry := DLQEntry{
		RequestID:   request.ID,
		AlertID:     request.AlertID(),
		ChannelID:   request.Channel.ID,
		ChannelType: request.Channel.Type,
		Kind:        request.Kind,
		Priority:    request.Priority,
		Subject:     request.Subject,
		Reason:      reason,
		Error:       request.LastError,
		RetryCount:  request.RetryCount,
		MaxRetries:  request.MaxRetries,
		FailedAt:    failedAt,
	}
	if entry.Error == "" {
		entry.Error = "unknown error"
	}
	return entry
}

// ReasonFor classifies delivery error for dead-letter entry.
// Params: last delivery error.
// Returns: permanent_error for marked errors, otherwise max_retries_exceeded.
func ReasonFor(err error) DLQReason {
	if permanent.Is(err) {
		return DLQReasonPermanentError
	}
	return DLQReasonMaxRetriesExceeded
}

// DeadLetter receives permanently failed notification requests.
// Params: context and dead-letter entry.
// Returns: publish error.
type DeadLetter interface {
	Publish(ctx context.Context, entry DLQEntry) error
	Close() error
}

// MemoryDeadLetter keeps dead-letter entries in process memory.
// Params: guarded entry list.
// Returns: dead-letter sink for single mode and tests.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DLQEntry
}

// NewMemoryDeadLetter creates empty in-memory sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

// Publish appends entry.
func (m *MemoryDeadLetter) Publish(_ context.Context, entry DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns copy of stored entries.
func (m *MemoryDeadLetter) Entries() []DLQEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DLQEntry(nil), m.entries...)
}

// Close is a no-op.
func (m *MemoryDeadLetter) Close() error {
	return nil
}
