package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
)

func fraudTx(id string) (*domain.Transaction, *domain.ScoreResult) {
	tx := &domain.Transaction{
		ID:        id,
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("9999.99"),
		Currency:  "USD",
		Country:   "IR",
		DeviceID:  "dev-new",
		Timestamp: time.Now().UTC(),
	}
	score := &domain.ScoreResult{
		TransactionID:  id,
		RuleScore:      65,
		FinalScore:     73.25,
		RiskLevel:      domain.RiskHigh,
		IsFraud:        true,
		TriggeredRules: []string{"new_device", "blacklist_check"},
		Explanation:    "Flagged for review",
	}
	return tx, score
}

func TestPriority(t *testing.T) {
	tests := []struct {
		score float64
		rules int
		want  domain.AlertPriority
	}{
		{95, 0, domain.PriorityCritical},
		{90, 1, domain.PriorityCritical},
		{40, 4, domain.PriorityCritical},
		{73.25, 2, domain.PriorityHigh},
		{70, 0, domain.PriorityHigh},
		{40, 3, domain.PriorityHigh},
		{50, 0, domain.PriorityMedium},
		{10, 2, domain.PriorityMedium},
		{49.99, 1, domain.PriorityLow},
		{0, 0, domain.PriorityLow},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Priority(tc.score, tc.rules), "score=%v rules=%d", tc.score, tc.rules)
	}
}

func TestCanTransition(t *testing.T) {
	all := []domain.AlertStatus{domain.AlertNew, domain.AlertInvestigating, domain.AlertResolved, domain.AlertFalsePositive}
	allowed := map[string]bool{
		"new->investigating":            true,
		"new->resolved":                 true,
		"new->false_positive":           true,
		"investigating->resolved":       true,
		"investigating->false_positive": true,
	}

	for _, from := range all {
		for _, to := range all {
			key := fmt.Sprintf("%s->%s", from, to)
			assert.Equal(t, allowed[key], CanTransition(from, to), key)
		}
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), nil, nil)

	t.Run("fraud creates new alert", func(t *testing.T) {
		tx, score := fraudTx("tx-1")
		alert, err := m.Create(ctx, tx, score)
		require.NoError(t, err)

		assert.Equal(t, domain.AlertNew, alert.Status)
		assert.Equal(t, domain.PriorityHigh, alert.Priority)
		assert.Equal(t, "tx-1", alert.TransactionID)
		assert.Equal(t, "user-1", alert.UserID)
		assert.Equal(t, 73.25, alert.FraudScore)
		assert.Equal(t, []string{"new_device", "blacklist_check"}, alert.TriggeredRules)
		assert.Equal(t, alert.CreatedAt, alert.UpdatedAt)
	})

	t.Run("idempotent per transaction", func(t *testing.T) {
		tx, score := fraudTx("tx-2")
		first, err := m.Create(ctx, tx, score)
		require.NoError(t, err)
		second, err := m.Create(ctx, tx, score)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("non-fraud never creates", func(t *testing.T) {
		tx, score := fraudTx("tx-3")
		score.IsFraud = false
		score.FinalScore = 69.5

		_, err := m.Create(ctx, tx, score)
		assert.ErrorIs(t, err, domain.ErrNotFraud)

		_, err = m.GetByTransaction(ctx, "tx-3")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestConcurrentCreateYieldsOneAlert(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil, nil)
	tx, score := fraudTx("tx-race")

	ids := make([]string, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.Create(context.Background(), tx, score)
			if err == nil {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := m.List(context.Background(), domain.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), nil, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	tx, score := fraudTx("tx-1")
	alert, err := m.Create(ctx, tx, score)
	require.NoError(t, err)

	t.Run("new to resolved succeeds", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		updated, err := m.Transition(ctx, alert.ID, domain.AlertResolved)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertResolved, updated.Status)
		assert.Equal(t, clock, updated.UpdatedAt)
		assert.Equal(t, alert.Priority, updated.Priority)
	})

	t.Run("resolved to new fails and leaves state", func(t *testing.T) {
		_, err := m.Transition(ctx, alert.ID, domain.AlertNew)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := m.Get(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertResolved, got.Status)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := m.Transition(ctx, "nope", domain.AlertInvestigating)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := m.Transition(ctx, alert.ID, domain.AlertStatus("closed"))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("investigating path", func(t *testing.T) {
		tx2, score2 := fraudTx("tx-2")
		a2, err := m.Create(ctx, tx2, score2)
		require.NoError(t, err)

		_, err = m.Transition(ctx, a2.ID, domain.AlertInvestigating)
		require.NoError(t, err)
		_, err = m.Transition(ctx, a2.ID, domain.AlertInvestigating)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		_, err = m.Transition(ctx, a2.ID, domain.AlertFalsePositive)
		require.NoError(t, err)
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), nil, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var created []*domain.Alert
	for i, final := range []float64{95, 73, 75} {
		tx, score := fraudTx(fmt.Sprintf("tx-%d", i))
		score.FinalScore = final
		a, err := m.Create(ctx, tx, score)
		require.NoError(t, err)
		created = append(created, a)
	}
	_, err := m.Transition(ctx, created[1].ID, domain.AlertInvestigating)
	require.NoError(t, err)

	all, err := m.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, created[2].ID, all[0].ID, "newest first")

	critical, err := m.List(ctx, domain.AlertFilter{Priority: domain.PriorityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, created[0].ID, critical[0].ID)

	investigating, err := m.List(ctx, domain.AlertFilter{Status: domain.AlertInvestigating})
	require.NoError(t, err)
	require.Len(t, investigating, 1)
	assert.Equal(t, created[1].ID, investigating[0].ID)

	limited, err := m.List(ctx, domain.AlertFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = m.List(ctx, domain.AlertFilter{Status: "bogus"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	eb := bus.NewChannelBus(10, nil)
	defer eb.Close()

	events := make(chan string, 10)
	for _, topic := range []string{domain.TopicAlertCreated, domain.TopicAlertUpdated} {
		_, err := eb.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) error {
			var a domain.Alert
			if err := json.Unmarshal(msg.Payload, &a); err != nil {
				return err
			}
			events <- msg.Topic + ":" + string(a.Status)
			return nil
		})
		require.NoError(t, err)
	}

	m := NewManager(NewMemoryStore(), eb, nil)
	tx, score := fraudTx("tx-1")
	alert, err := m.Create(ctx, tx, score)
	require.NoError(t, err)
	_, err = m.Transition(ctx, alert.ID, domain.AlertInvestigating)
	require.NoError(t, err)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got[e] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for alert events")
		}
	}
	assert.True(t, got[domain.TopicAlertCreated+":new"])
	assert.True(t, got[domain.TopicAlertUpdated+":investigating"])
}

// racingStore hides an alert written by another node until after the
// existence check, so the insert hits the uniqueness constraint.
type racingStore struct {
	*MemoryStore
	hidden bool
}

func (s *racingStore) GetAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	if s.hidden {
		s.hidden = false
		return nil, domain.ErrNotFound
	}
	return s.MemoryStore.GetAlertByTransaction(ctx, txID)
}

func TestCreateLosingInsertRaceReturnsExisting(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), hidden: true}
	tx, score := fraudTx("tx-race")

	other := &domain.Alert{
		ID:            "alert-other-node",
		TransactionID: tx.ID,
		Status:        domain.AlertNew,
		Priority:      domain.PriorityHigh,
	}
	require.NoError(t, store.MemoryStore.SaveAlert(context.Background(), other))

	m := NewManager(store, nil, nil)
	got, err := m.Create(context.Background(), tx, score)
	require.NoError(t, err)
	assert.Equal(t, "alert-other-node", got.ID)

	list, err := m.List(context.Background(), domain.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
