package domain

import (
	"context"
	"time"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertNew, AlertInvestigating, AlertResolved, AlertFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// AlertPriority is assigned once at alert creation and never changes.
type AlertPriority string

const (
	PriorityLow      AlertPriority = "low"
	PriorityMedium   AlertPriority = "medium"
	PriorityHigh     AlertPriority = "high"
	PriorityCritical AlertPriority = "critical"
)

// Valid reports whether p is a known priority.
func (p AlertPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Alert is an investigation case created for a flagged or blocked transaction.
type Alert struct {
	ID             string        `json:"id"`
	TransactionID  string        `json:"transaction_id"`
	UserID         string        `json:"user_id"`
	FraudScore     float64       `json:"fraud_score"`
	TriggeredRules []string      `json:"triggered_rules"`
	Explanation    string        `json:"explanation"`
	Status         AlertStatus   `json:"status"`
	Priority       AlertPriority `json:"priority"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AlertFilter narrows an alert listing. Zero values match everything.
type AlertFilter struct {
	Status   AlertStatus
	Priority AlertPriority
	Limit    int
}

// AlertStore persists alerts. The Alert Manager is its only writer.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status AlertStatus, updatedAt time.Time) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	GetAlertByTransaction(ctx context.Context, txID string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
}
