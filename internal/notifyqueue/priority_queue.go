package notifyqueue

import (
	"sync"
	"time"

	"alertflow/internal/domain"
)

// PriorityQueue holds pending notification requests in four FIFO tiers.
// Params: guarded per-priority request lists.
// Returns: strict-priority queue; lower tiers may starve under sustained urgent load.
type PriorityQueue struct {
	mu    sync.Mutex
	tiers map[domain.Priority][]*domain.NotificationRequest
}

// NewPriorityQueue creates empty queue.
// Params: none.
// Returns: queue with all tiers empty.
func NewPriorityQueue() *PriorityQueue {
	tiers := make(map[domain.Priority][]*domain.NotificationRequest, 4)
	for _, priority := range domain.Priorities() {
		tiers[priority] = nil
	}
	return &PriorityQueue{tiers: tiers}
}

// Enqueue appends request to tier of its priority; unknown priorities land in normal.
// Params: notification request.
// Returns: none.
func (q *PriorityQueue) Enqueue(request *domain.NotificationRequest) {
	if request == nil {
		return
	}
	priority := request.Priority
	if !priority.Valid() {
		priority = domain.PriorityNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiers[priority] = append(q.tiers[priority], request)
}

// Dequeue pops oldest request of highest non-empty tier.
// Params: none.
// Returns: request and false when queue is empty.
func (q *PriorityQueue) Dequeue() (*domain.NotificationRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, priority := range domain.Priorities() {
		tier := q.tiers[priority]
		if len(tier) == 0 {
			continue
		}
		head := tier[0]
		tier[0] = nil
		q.tiers[priority] = tier[1:]
		return head, true
	}
	return nil, false
}

// Peek returns request Dequeue would pop without removing it.
// Params: none.
// Returns: request and false when queue is empty.
func (q *PriorityQueue) Peek() (*domain.NotificationRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, priority := range domain.Priorities() {
		if tier := q.tiers[priority]; len(tier) > 0 {
			return tier[0], true
		}
	}
	return nil, false
}

// ClearExpired drops requests older than maxAge across all tiers.
// Params: reference time and maximum age.
// Returns: removed requests in tier order.
func (q *PriorityQueue) ClearExpired(now time.Time, maxAge time.Duration) []*domain.NotificationRequest {
	cutoff := now.Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*domain.NotificationRequest
	for _, priority := range domain.Priorities() {
		tier := q.tiers[priority]
		kept := tier[:0]
		for _, request := range tier {
			if request.CreatedAt.Before(cutoff) {
				removed = append(removed, request)
				continue
			}
			kept = append(kept, request)
		}
		for i := len(kept); i < len(tier); i++ {
			tier[i] = nil
		}
		q.tiers[priority] = kept
	}
	return removed
}

// Size returns total pending requests.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, tier := range q.tiers {
		total += len(tier)
	}
	return total
}

// SizeByPriority returns pending request count per tier.
// Params: none.
// Returns: map with all four tiers present.
func (q *PriorityQueue) SizeByPriority() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.Priority]int, len(q.tiers))
	for _, priority := range domain.Priorities() {
		out[priority] = len(q.tiers[priority])
	}
	return out
}
