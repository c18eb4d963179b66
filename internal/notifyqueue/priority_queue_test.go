package notifyqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRequest(t *testing.T, name string, priority domain.Priority, createdAt time.Time) *domain.NotificationRequest {
	t.Helper()
	alert, err := domain.NewAlert("r1", "alert "+name, "", domain.SeverityLow, nil, createdAt)
	if err != nil {
		t.Fatalf("new alert: %v", err)
	}
	channel := domain.NotificationChannel{ID: "hook", Type: domain.ChannelWebhook, Enabled: true, Config: map[string]string{"url": "http://x"}}
	request, err := domain.NewNotificationRequest(alert, channel, domain.KindAlert, name, "", priority, 3, createdAt)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return request
}

func TestPriorityQueueStrictTierOrderFIFOWithinTier(t *testing.T) {
	t.Parallel()

	queue := NewPriorityQueue()
	queue.Enqueue(testRequest(t, "A", domain.PriorityLow, base))
	queue.Enqueue(testRequest(t, "B", domain.PriorityUrgent, base))
	queue.Enqueue(testRequest(t, "C", domain.PriorityNormal, base))
	queue.Enqueue(testRequest(t, "D", domain.PriorityUrgent, base))

	if head, ok := queue.Peek(); !ok || head.Subject != "B" {
		t.Fatalf("peek must return B")
	}
	if queue.Size() != 4 {
		t.Fatalf("peek must not remove")
	}

	var order []string
	for {
		request, ok := queue.Dequeue()
		if !ok {
			break
		}
		order = append(order, request.Subject)
	}
	want := []string{"B", "D", "C", "A"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if _, ok := queue.Dequeue(); ok {
		t.Fatalf("empty queue must return false")
	}
}

func TestPriorityQueueSizeByPriority(t *testing.T) {
	t.Parallel()

	queue := NewPriorityQueue()
	queue.Enqueue(testRequest(t, "A", domain.PriorityHigh, base))
	queue.Enqueue(testRequest(t, "B", domain.PriorityHigh, base))
	queue.Enqueue(testRequest(t, "C", domain.PriorityLow, base))

	sizes := queue.SizeByPriority()
	if sizes[domain.PriorityHigh] != 2 || sizes[domain.PriorityLow] != 1 || sizes[domain.PriorityUrgent] != 0 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
	if len(sizes) != 4 {
		t.Fatalf("all tiers must be reported, got %v", sizes)
	}
}

func TestPriorityQueueClearExpired(t *testing.T) {
	t.Parallel()

	queue := NewPriorityQueue()
	queue.Enqueue(testRequest(t, "old-urgent", domain.PriorityUrgent, base.Add(-2*time.Hour)))
	queue.Enqueue(testRequest(t, "fresh-urgent", domain.PriorityUrgent, base.Add(-time.Minute)))
	queue.Enqueue(testRequest(t, "old-low", domain.PriorityLow, base.Add(-61*time.Minute)))

	removed := queue.ClearExpired(base, time.Hour)
	if len(removed) != 2 {
		t.Fatalf("expected 2 expired, got %d", len(removed))
	}
	if queue.Size() != 1 {
		t.Fatalf("expected 1 remaining, got %d", queue.Size())
	}
	if head, _ := queue.Dequeue(); head.Subject != "fresh-urgent" {
		t.Fatalf("unexpected survivor %q", head.Subject)
	}
}

func TestMemoryDeadLetterAndReason(t *testing.T) {
	t.Parallel()

	sink := NewMemoryDeadLetter()
	request := testRequest(t, "A", domain.PriorityNormal, base)
	if err := sink.Publish(context.Background(), NewDLQEntry(request, ReasonFor(errors.New("timeout")), base)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries := sink.Entries()
	if len(entries) != 1 || entries[0].Reason != DLQReasonMaxRetriesExceeded || entries[0].Error != "unknown error" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if ReasonFor(permanent.Mark(errors.New("bad request"))) != DLQReasonPermanentError {
		t.Fatalf("permanent error must classify as permanent_error")
	}
}
