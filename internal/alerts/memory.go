package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MemoryStore is an in-process AlertStore used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*domain.Alert
	byTxID map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*domain.Alert),
		byTxID: make(map[string]string),
	}
}

func (s *MemoryStore) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxID[alert.TransactionID]; ok {
		return domain.ErrDuplicate
	}
	cp := cloneAlert(alert)
	s.alerts[cp.ID] = cp
	s.byTxID[cp.TransactionID] = cp.ID
	return nil
}

func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, id string, status domain.AlertStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAlert(a), nil
}

func (s *MemoryStore) GetAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTxID[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAlert(s.alerts[id]), nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	s.mu.RLock()
	out := make([]*domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && a.Priority != filter.Priority {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneAlert(a *domain.Alert) *domain.Alert {
	cp := *a
	cp.TriggeredRules = append([]string(nil), a.TriggeredRules...)
	return &cp
}
