package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testTransaction(id, user string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:               id,
		UserID:           user,
		Amount:           decimal.RequireFromString("1234.56"),
		Currency:         "USD",
		MerchantName:     "Acme",
		MerchantCategory: "electronics",
		Type:             "purchase",
		Country:          "US",
		City:             "Austin",
		Latitude:         30.2672,
		Longitude:        -97.7431,
		DeviceID:         "device-1",
		IPAddress:        "198.51.100.4",
		Timestamp:        at,
	}
}

func testScore(txID string, at time.Time) *domain.ScoreResult {
	return &domain.ScoreResult{
		TransactionID:    txID,
		RuleScore:        65,
		AnomalyScore:     95,
		ExternalScore:    70,
		ExternalSource:   domain.SourceFallback,
		FinalScore:       73.25,
		RiskLevel:        domain.RiskHigh,
		IsFraud:          true,
		TriggeredRules:   []string{"new_device", "blacklist_check"},
		RulePoints:       map[string]int{"new_device": 15, "blacklist_check": 50},
		Explanation:      "Flagged for review",
		ProcessingTimeMs: 3.2,
		ModelVersion:     "iforest-test",
		ScoredAt:         at,
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetScoredTransaction", func(t *testing.T) {
		tx := testTransaction("tx-001", "user-1", now)
		score := testScore(tx.ID, now)

		if err := repo.SaveScoredTransaction(ctx, tx, score); err != nil {
			t.Fatalf("SaveScoredTransaction failed: %v", err)
		}

		got, err := repo.GetScoredTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetScoredTransaction failed: %v", err)
		}

		if !got.Transaction.Amount.Equal(tx.Amount) {
			t.Errorf("expected amount %s, got %s", tx.Amount, got.Transaction.Amount)
		}
		if got.Transaction.UserID != "user-1" || got.Transaction.DeviceID != "device-1" {
			t.Errorf("unexpected transaction: %+v", got.Transaction)
		}
		if !got.Transaction.Timestamp.Equal(now) {
			t.Errorf("expected timestamp %v, got %v", now, got.Transaction.Timestamp)
		}
		if got.Score.FinalScore != 73.25 || !got.Score.IsFraud || got.Score.IsBlocked {
			t.Errorf("unexpected score: %+v", got.Score)
		}
		if got.Score.ExternalSource != domain.SourceFallback {
			t.Errorf("expected source fallback, got %s", got.Score.ExternalSource)
		}
		if len(got.Score.TriggeredRules) != 2 || got.Score.TriggeredRules[0] != "new_device" {
			t.Errorf("unexpected triggered rules: %v", got.Score.TriggeredRules)
		}
		if got.Score.RulePoints["blacklist_check"] != 50 {
			t.Errorf("unexpected rule points: %v", got.Score.RulePoints)
		}
	})

	t.Run("DuplicateTransactionRejected", func(t *testing.T) {
		tx := testTransaction("tx-001", "user-1", now)
		err := repo.SaveScoredTransaction(ctx, tx, testScore(tx.ID, now))
		if !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		_, err := repo.GetScoredTransaction(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetTransactionsByUser", func(t *testing.T) {
		for i, offset := range []time.Duration{-48 * time.Hour, -2 * time.Hour, -time.Hour} {
			at := now.Add(offset)
			tx := testTransaction("tx-user2-"+string(rune('a'+i)), "user-2", at)
			if err := repo.SaveScoredTransaction(ctx, tx, testScore(tx.ID, at)); err != nil {
				t.Fatalf("SaveScoredTransaction failed: %v", err)
			}
		}

		txs, err := repo.GetTransactionsByUser(ctx, "user-2", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txs))
		}
		if !txs[0].Timestamp.Before(txs[1].Timestamp) {
			t.Error("expected oldest first")
		}

		none, err := repo.GetTransactionsByUser(ctx, "nobody", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("GetTransactionsByUser failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected no transactions, got %d", len(none))
		}
	})
}

func TestSQLiteAlerts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	alerts := []*domain.Alert{
		{ID: "a-1", TransactionID: "tx-1", UserID: "u1", FraudScore: 72, Priority: domain.PriorityHigh, CreatedAt: base},
		{ID: "a-2", TransactionID: "tx-2", UserID: "u1", FraudScore: 95, Priority: domain.PriorityCritical, CreatedAt: base.Add(time.Minute)},
		{ID: "a-3", TransactionID: "tx-3", UserID: "u2", FraudScore: 75, Priority: domain.PriorityHigh, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, a := range alerts {
		a.Status = domain.AlertNew
		a.TriggeredRules = []string{"velocity_check"}
		a.Explanation = "test"
		a.UpdatedAt = a.CreatedAt
		if err := repo.SaveAlert(ctx, a); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
	}

	t.Run("GetAlert", func(t *testing.T) {
		got, err := repo.GetAlert(ctx, "a-2")
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if got.TransactionID != "tx-2" || got.Priority != domain.PriorityCritical || got.Status != domain.AlertNew {
			t.Errorf("unexpected alert: %+v", got)
		}
		if !got.CreatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("unexpected created_at: %v", got.CreatedAt)
		}
		if len(got.TriggeredRules) != 1 {
			t.Errorf("unexpected triggered rules: %v", got.TriggeredRules)
		}
	})

	t.Run("GetAlertByTransaction", func(t *testing.T) {
		got, err := repo.GetAlertByTransaction(ctx, "tx-3")
		if err != nil {
			t.Fatalf("GetAlertByTransaction failed: %v", err)
		}
		if got.ID != "a-3" {
			t.Errorf("expected a-3, got %s", got.ID)
		}

		if _, err := repo.GetAlertByTransaction(ctx, "tx-none"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("OneAlertPerTransaction", func(t *testing.T) {
		dup := *alerts[0]
		dup.ID = "a-dup"
		if err := repo.SaveAlert(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate for a second alert on the same transaction, got %v", err)
		}
	})

	t.Run("UpdateAlertStatus", func(t *testing.T) {
		updated := base.Add(time.Hour)
		if err := repo.UpdateAlertStatus(ctx, "a-1", domain.AlertInvestigating, updated); err != nil {
			t.Fatalf("UpdateAlertStatus failed: %v", err)
		}

		got, err := repo.GetAlert(ctx, "a-1")
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if got.Status != domain.AlertInvestigating {
			t.Errorf("expected investigating, got %s", got.Status)
		}
		if !got.UpdatedAt.Equal(updated) {
			t.Errorf("expected updated_at %v, got %v", updated, got.UpdatedAt)
		}

		err = repo.UpdateAlertStatus(ctx, "missing", domain.AlertResolved, updated)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListAlerts", func(t *testing.T) {
		tests := []struct {
			name   string
			filter domain.AlertFilter
			want   []string
		}{
			{"all newest first", domain.AlertFilter{}, []string{"a-3", "a-2", "a-1"}},
			{"by priority", domain.AlertFilter{Priority: domain.PriorityHigh}, []string{"a-3", "a-1"}},
			{"by status", domain.AlertFilter{Status: domain.AlertNew}, []string{"a-3", "a-2"}},
			{"status and priority", domain.AlertFilter{Status: domain.AlertNew, Priority: domain.PriorityHigh}, []string{"a-3"}},
			{"limit", domain.AlertFilter{Limit: 1}, []string{"a-3"}},
			{"no match", domain.AlertFilter{Status: domain.AlertResolved}, []string{}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := repo.ListAlerts(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListAlerts failed: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("expected %d alerts, got %d", len(tt.want), len(got))
				}
				for i, id := range tt.want {
					if got[i].ID != id {
						t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
					}
				}
			})
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestDialects(t *testing.T) {
	t.Run("PostgresRebind", func(t *testing.T) {
		got := postgresDialect{}.rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
		want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
		if got != want {
			t.Errorf("rebind = %q, want %q", got, want)
		}
	})

	t.Run("SQLiteRebind", func(t *testing.T) {
		q := "SELECT ?"
		if (sqliteDialect{}).rebind(q) != q {
			t.Error("sqlite queries must not be rewritten")
		}
	})

	t.Run("PostgresUniqueViolation", func(t *testing.T) {
		d := postgresDialect{}
		if !d.isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})) {
			t.Error("expected 23505 to be a unique violation")
		}
		if d.isUniqueViolation(&pq.Error{Code: "23503"}) {
			t.Error("foreign key violation is not a unique violation")
		}
		if d.isUniqueViolation(errors.New("boom")) {
			t.Error("plain errors are not unique violations")
		}
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		if _, err := dialectFor("mysql"); err == nil {
			t.Error("expected error for unknown driver")
		}
	})
}
