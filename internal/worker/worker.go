// Package worker scores transactions ingested asynchronously over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Scorer scores one request under a given transaction id.
// *pipeline.Pipeline satisfies it.
type Scorer interface {
	ScoreWithID(ctx context.Context, id string, req *domain.ScoreRequest) (*domain.ScoreResponse, error)
}

// Worker consumes harrier.transaction.ingested and runs each request
// through the scoring pipeline. Results flow out through the pipeline's own
// transaction.scored and alert events.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		logger: logger.With("component", "worker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic. With NATS the subscription joins
// a queue group, so each message is scored by exactly one node.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("ingestion worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// handleMessage scores one ingested request. Malformed and invalid requests
// are dropped; redelivering them cannot succeed.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in domain.IngestedTransaction
	if err := json.Unmarshal(msg.Payload, &in); err != nil || in.TransactionID == "" {
		if err == nil {
			err = errors.New("missing transaction_id")
		}
		w.rejected.Add(1)
		w.logger.Error("failed to parse ingested transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	resp, err := w.scorer.ScoreWithID(ctx, in.TransactionID, &in.Request)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			w.rejected.Add(1)
			w.logger.Warn("rejected ingested transaction",
				"message_id", msg.ID,
				"transaction_id", in.TransactionID,
				"user_id", in.Request.UserID,
				"error", err,
			)
			return nil
		}
		w.failed.Add(1)
		w.logger.Error("failed to score ingested transaction",
			"message_id", msg.ID,
			"transaction_id", in.TransactionID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	w.logger.Debug("ingested transaction scored",
		"message_id", msg.ID,
		"transaction_id", resp.TransactionID,
		"fraud_score", resp.FraudScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("ingestion worker stopped")
	return nil
}

// Stats holds worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         uint64   `json:"processed"`
	Rejected          uint64   `json:"rejected"`
	Failed            uint64   `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
