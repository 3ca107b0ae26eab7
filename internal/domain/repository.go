// Package domain holds the types shared by every Harrier component:
// transactions, profiles, scores, alerts, and the storage and messaging
// interfaces they flow through.
package domain

import (
	"context"
	"time"
)

// Repository is the durable store behind a node. It keeps every scored
// transaction, serves the history profiles are rebuilt from, and persists
// alerts.
type Repository interface {
	TransactionHistory
	AlertStore

	// SaveScoredTransaction returns ErrDuplicate when the transaction ID
	// was already scored.
	SaveScoredTransaction(ctx context.Context, tx *Transaction, score *ScoreResult) error
	GetScoredTransaction(ctx context.Context, txID string) (*ScoredTransaction, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects the database.
type RepositoryConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
