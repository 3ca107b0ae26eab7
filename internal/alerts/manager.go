// Package alerts owns the lifecycle of fraud alerts.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/syncutil"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Manager is the only writer of alert status. Creation is serialized per
// transaction and transitions per alert.
type Manager struct {
	store  domain.AlertStore
	bus    domain.EventBus
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an alert manager. bus may be nil.
func NewManager(store domain.AlertStore, bus domain.EventBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		bus:    bus,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger.With("component", "alerts"),
		now:    time.Now,
	}
}

// Create opens an alert for a fraud score. It returns the existing alert if
// the transaction already has one, and ErrNotFraud for approved scores.
func (m *Manager) Create(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult) (*domain.Alert, error) {
	if !score.IsFraud {
		return nil, domain.ErrNotFraud
	}

	unlock := m.locks.Lock("tx:" + tx.ID)
	defer unlock()

	existing, err := m.store.GetAlertByTransaction(ctx, tx.ID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing alert: %w", err)
	}

	now := m.now().UTC()
	alert := &domain.Alert{
		ID:             uuid.New().String(),
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		FraudScore:     score.FinalScore,
		TriggeredRules: append([]string{}, score.TriggeredRules...),
		Explanation:    score.Explanation,
		Status:         domain.AlertNew,
		Priority:       Priority(score.FinalScore, len(score.TriggeredRules)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.SaveAlert(ctx, alert); err != nil {
		// Another node created the alert between the check and the insert.
		if errors.Is(err, domain.ErrDuplicate) {
			return m.store.GetAlertByTransaction(ctx, tx.ID)
		}
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Priority)).Inc()
	m.logger.Info("alert created",
		"alert_id", alert.ID,
		"transaction_id", alert.TransactionID,
		"priority", alert.Priority,
		"fraud_score", alert.FraudScore,
	)
	m.publish(ctx, domain.TopicAlertCreated, alert)

	return alert, nil
}

// Transition moves an alert to a new status. Disallowed transitions return
// ErrInvalidTransition and leave the alert unchanged.
func (m *Manager) Transition(ctx context.Context, id string, status domain.AlertStatus) (*domain.Alert, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", domain.ErrValidation, status)
	}

	unlock := m.locks.Lock("alert:" + id)
	defer unlock()

	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	from := alert.Status
	if !CanTransition(from, status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, status)
	}

	now := m.now().UTC()
	if err := m.store.UpdateAlertStatus(ctx, id, status, now); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	alert.Status = status
	alert.UpdatedAt = now

	metrics.AlertTransitions.WithLabelValues(string(from), string(status)).Inc()
	m.logger.Info("alert transitioned",
		"alert_id", id,
		"from", from,
		"to", status,
	)
	m.publish(ctx, domain.TopicAlertUpdated, alert)

	return alert, nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// GetByTransaction returns the alert opened for a transaction.
func (m *Manager) GetByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	return m.store.GetAlertByTransaction(ctx, txID)
}

// List returns alerts newest first, filtered by status and priority.
func (m *Manager) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", domain.ErrValidation, filter.Status)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown alert priority %q", domain.ErrValidation, filter.Priority)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)

	return m.store.ListAlerts(ctx, filter)
}

func (m *Manager) publish(ctx context.Context, topic string, alert *domain.Alert) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("failed to encode alert event", "alert_id", alert.ID, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("failed to publish alert event",
			"topic", topic,
			"alert_id", alert.ID,
			"error", err,
		)
	}
}
