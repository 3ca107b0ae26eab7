// Package repository provides the SQL transaction and alert store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := d.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:      db,
		dialect: d,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, user_id, amount, currency, merchant_name, merchant_category,
	type, country, city, latitude, longitude, device_id, ip_address, timestamp,
	rule_score, anomaly_score, external_score, external_source, final_score,
	risk_level, is_fraud, is_blocked, triggered_rules, rule_points,
	explanation, processing_time_ms, model_version, scored_at`

// SaveScoredTransaction stores a transaction and its score in one row.
func (r *SQLRepository) SaveScoredTransaction(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult) error {
	if tx == nil || score == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction and score are required", domain.ErrValidation)
	}

	triggered, err := json.Marshal(nonNil(score.TriggeredRules))
	if err != nil {
		return err
	}
	points, err := json.Marshal(score.RulePoints)
	if err != nil {
		return err
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.dialect.rebind(query),
		tx.ID, tx.UserID, tx.Amount.String(), tx.Currency,
		tx.MerchantName, tx.MerchantCategory,
		tx.Type, tx.Country, tx.City, tx.Latitude, tx.Longitude,
		tx.DeviceID, tx.IPAddress, tx.Timestamp.UTC(),
		score.RuleScore, score.AnomalyScore, score.ExternalScore, string(score.ExternalSource),
		score.FinalScore, string(score.RiskLevel),
		boolToInt(score.IsFraud), boolToInt(score.IsBlocked),
		string(triggered), string(points),
		score.Explanation, score.ProcessingTimeMs, score.ModelVersion, score.ScoredAt.UTC(),
	)
	return r.insertError("transaction", tx.ID, err)
}

// GetScoredTransaction retrieves a stored transaction with its score.
func (r *SQLRepository) GetScoredTransaction(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	st, err := scanScoredTransaction(r.db.QueryRowContext(ctx, r.dialect.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetTransactionsByUser returns a user's transactions since the given time,
// oldest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), userID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		st, err := scanScoredTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, st.Transaction)
	}

	return transactions, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScoredTransaction(row rowScanner) (*domain.ScoredTransaction, error) {
	var (
		tx                 domain.Transaction
		score              domain.ScoreResult
		amount             string
		merchantName       sql.NullString
		merchantCategory   sql.NullString
		city, ip, explain  sql.NullString
		source, risk       string
		isFraud, isBlocked int
		triggered, points  string
	)

	err := row.Scan(
		&tx.ID, &tx.UserID, &amount, &tx.Currency, &merchantName, &merchantCategory,
		&tx.Type, &tx.Country, &city, &tx.Latitude, &tx.Longitude, &tx.DeviceID, &ip, &tx.Timestamp,
		&score.RuleScore, &score.AnomalyScore, &score.ExternalScore, &source, &score.FinalScore,
		&risk, &isFraud, &isBlocked, &triggered, &points,
		&explain, &score.ProcessingTimeMs, &score.ModelVersion, &score.ScoredAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Amount.UnmarshalText([]byte(amount)); err != nil {
		return nil, fmt.Errorf("failed to parse amount of %s: %w", tx.ID, err)
	}
	tx.MerchantName = merchantName.String
	tx.MerchantCategory = merchantCategory.String
	tx.City = city.String
	tx.IPAddress = ip.String
	tx.Timestamp = tx.Timestamp.UTC()

	score.TransactionID = tx.ID
	score.ExternalSource = domain.ExternalSource(source)
	score.RiskLevel = domain.RiskLevel(risk)
	score.IsFraud = isFraud == 1
	score.IsBlocked = isBlocked == 1
	score.Explanation = explain.String
	score.ScoredAt = score.ScoredAt.UTC()
	if err := json.Unmarshal([]byte(triggered), &score.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules of %s: %w", tx.ID, err)
	}
	if err := json.Unmarshal([]byte(points), &score.RulePoints); err != nil {
		return nil, fmt.Errorf("failed to parse rule points of %s: %w", tx.ID, err)
	}

	return &domain.ScoredTransaction{Transaction: &tx, Score: &score}, nil
}

const alertColumns = `
	id, transaction_id, user_id, fraud_score, triggered_rules,
	explanation, status, priority, created_at, updated_at`

// SaveAlert stores a new alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	triggered, err := json.Marshal(nonNil(alert.TriggeredRules))
	if err != nil {
		return err
	}

	query := `INSERT INTO alerts (` + alertColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.dialect.rebind(query),
		alert.ID, alert.TransactionID, alert.UserID, alert.FraudScore, string(triggered),
		alert.Explanation, string(alert.Status), string(alert.Priority),
		alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(),
	)
	return r.insertError("alert", alert.TransactionID, err)
}

// UpdateAlertStatus sets an alert's status and updated timestamp.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, id string, status domain.AlertStatus, updatedAt time.Time) error {
	query := `UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), string(status), updatedAt.UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: alert %s", domain.ErrNotFound, id)
	}

	return nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, id)
	}
	return alert, err
}

// GetAlertByTransaction retrieves the alert opened for a transaction.
func (r *SQLRepository) GetAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE transaction_id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.dialect.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert for transaction %s", domain.ErrNotFound, txID)
	}
	return alert, err
}

// ListAlerts returns alerts newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var (
		a                domain.Alert
		triggered        string
		explanation      sql.NullString
		status, priority string
	)

	err := row.Scan(
		&a.ID, &a.TransactionID, &a.UserID, &a.FraudScore, &triggered,
		&explanation, &status, &priority, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Explanation = explanation.String
	a.Status = domain.AlertStatus(status)
	a.Priority = domain.AlertPriority(priority)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(triggered), &a.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules of alert %s: %w", a.ID, err)
	}

	return &a, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// insertError maps unique constraint failures to domain.ErrDuplicate.
func (r *SQLRepository) insertError(kind, key string, err error) error {
	if err == nil {
		return nil
	}
	if r.dialect.isUniqueViolation(err) {
		return fmt.Errorf("%w: %s for %s", domain.ErrDuplicate, kind, key)
	}
	return fmt.Errorf("failed to insert %s %s: %w", kind, key, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.Repository = (*SQLRepository)(nil)
