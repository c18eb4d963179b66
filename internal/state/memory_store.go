package state

import (
	"context"
	"sort"
	"sync"

	"alertflow/internal/domain"
)

// MemoryAlertStore keeps alerts in process memory for single-instance mode.
// Params: guarded alert map with per-entry revision.
// Returns: store implementation without external dependencies.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]memoryAlert
}

type memoryAlert struct {
	alert    *domain.Alert
	revision uint64
}

// NewMemoryAlertStore creates in-memory alert store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]memoryAlert)}
}

// SaveAlert stores a detached copy of alert, replacing any previous version.
// Params: alert entity.
// Returns: error for nil alert or missing ID.
func (s *MemoryAlertStore) SaveAlert(_ context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return errInvalidAlert
	}
	stored := alert.Clone()
	stored.ClearEvents()
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.alerts[alert.ID].revision + 1
	s.alerts[alert.ID] = memoryAlert{alert: stored, revision: rev}
	return nil
}

// GetAlert returns a copy of stored alert.
// Params: alert ID.
// Returns: alert copy or ErrNotFound.
func (s *MemoryAlertStore) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.alert.Clone(), nil
}

// ActiveAlerts lists alerts whose status is still active.
// Params: none.
// Returns: alert copies ordered by trigger time.
func (s *MemoryAlertStore) ActiveAlerts(_ context.Context) ([]*domain.Alert, error) {
	return s.filter(func(alert *domain.Alert) bool { return alert.IsActive() }), nil
}

// AlertsByRule lists every stored alert raised by rule.
// Params: rule ID.
// Returns: alert copies ordered by trigger time.
func (s *MemoryAlertStore) AlertsByRule(_ context.Context, ruleID string) ([]*domain.Alert, error) {
	return s.filter(func(alert *domain.Alert) bool { return alert.RuleID == ruleID }), nil
}

// UpdateAlertStatus sets stored status and merges metadata into alert context.
// Params: alert ID, target status, and optional metadata.
// Returns: ErrNotFound when alert is absent.
func (s *MemoryAlertStore) UpdateAlertStatus(_ context.Context, alertID string, status domain.AlertStatus, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	updated := entry.alert.Clone()
	applyStatus(updated, status, metadata)
	s.alerts[alertID] = memoryAlert{alert: updated, revision: entry.revision + 1}
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryAlertStore) Close() error {
	return nil
}

func (s *MemoryAlertStore) filter(keep func(*domain.Alert) bool) []*domain.Alert {
	s.mu.RLock()
	out := make([]*domain.Alert, 0, len(s.alerts))
	for _, entry := range s.alerts {
		if keep(entry.alert) {
			out = append(out, entry.alert.Clone())
		}
	}
	s.mu.RUnlock()
	sortAlerts(out)
	return out
}

// sortAlerts orders alerts by trigger time, then ID for stable output.
func sortAlerts(alerts []*domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].TriggeredAt.Equal(alerts[j].TriggeredAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
	})
}
