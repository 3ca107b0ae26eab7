// Package pipeline orchestrates scoring of one transaction: feature
// extraction, concurrent signal collection, decision and post-processing.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/decision"
	"github.com/opensource-finance/harrier/internal/detector"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
)

var tracer = otel.Tracer("harrier-pipeline")

// RuleEvaluator scores a feature vector against the rule catalog.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, fv features.FeatureVector) rules.Result
}

// AnomalyScorer scores a feature vector against the frozen model.
type AnomalyScorer interface {
	Score(fv features.FeatureVector) float64
	Version() string
}

// AlertCreator opens alerts for fraud scores.
type AlertCreator interface {
	Create(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult) (*domain.Alert, error)
}

// TransactionStore persists scored transactions.
type TransactionStore interface {
	SaveScoredTransaction(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult) error
}

// Deps are the collaborators of a Pipeline. Store, Alerts and Bus are
// optional.
type Deps struct {
	Profiles  *features.ProfileStore
	Extractor *features.Extractor
	Rules     RuleEvaluator
	Anomaly   AnomalyScorer
	External  detector.Detector
	Policy    *decision.Policy

	// MaxAmount caps accepted amounts; zero uses domain.DefaultMaxAmount.
	MaxAmount decimal.Decimal

	Store  TransactionStore
	Alerts AlertCreator
	Bus    domain.EventBus

	Logger *slog.Logger
}

// Pipeline scores transactions. It is safe for concurrent use.
type Pipeline struct {
	profiles  *features.ProfileStore
	extractor *features.Extractor
	rules     RuleEvaluator
	anomaly   AnomalyScorer
	external  detector.Detector
	policy    *decision.Policy
	maxAmount decimal.Decimal

	store  TransactionStore
	alerts AlertCreator
	bus    domain.EventBus

	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	processed   atomic.Uint64
	flagged     atomic.Uint64
	blocked     atomic.Uint64
	alerted     atomic.Uint64
	totalMicros atomic.Uint64
}

// New creates a pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Profiles == nil:
		return nil, errors.New("pipeline: profile store is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: feature extractor is required")
	case deps.Rules == nil:
		return nil, errors.New("pipeline: rule engine is required")
	case deps.Anomaly == nil:
		return nil, errors.New("pipeline: anomaly scorer is required")
	case deps.External == nil:
		return nil, errors.New("pipeline: external detector is required")
	}
	if deps.Policy == nil {
		deps.Policy = decision.NewPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		profiles:  deps.Profiles,
		extractor: deps.Extractor,
		rules:     deps.Rules,
		anomaly:   deps.Anomaly,
		external:  deps.External,
		policy:    deps.Policy,
		maxAmount: deps.MaxAmount,
		store:     deps.Store,
		alerts:    deps.Alerts,
		bus:       deps.Bus,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// Score validates and scores one request. Validation failures wrap
// domain.ErrValidation and have no side effects. Once validated, scoring
// runs to completion even if ctx is cancelled.
func (p *Pipeline) Score(ctx context.Context, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	return p.ScoreWithID(ctx, "", req)
}

// ScoreWithID is Score under a transaction id assigned by the caller, as
// /ingest does before queueing. An empty id gets a fresh one.
func (p *Pipeline) ScoreWithID(ctx context.Context, id string, req *domain.ScoreRequest) (*domain.ScoreResponse, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	if id == "" {
		id = p.newID()
	}

	start := time.Now()
	tx := req.ToTransaction(id, p.now())

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "pipeline.Score",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("user.id", tx.UserID),
		),
	)
	defer span.End()

	result, err := p.evaluate(ctx, tx, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := result.ToResponse()
	alert := p.dispatch(ctx, tx, result, resp)

	p.record(result, alert != nil)
	span.SetAttributes(
		attribute.Float64("score.final", result.FinalScore),
		attribute.Bool("score.is_fraud", result.IsFraud),
	)

	p.logger.Info("transaction scored",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"final_score", result.FinalScore,
		"risk_level", result.RiskLevel,
		"triggered_rules", result.TriggeredRules,
		"external_source", result.ExternalSource,
		"processing_ms", result.ProcessingTimeMs,
	)

	return resp, nil
}

// Validate applies the request checks Score applies, including the
// configured amount ceiling.
func (p *Pipeline) Validate(req *domain.ScoreRequest) error {
	return req.ValidateWithLimit(p.maxAmount)
}

// evaluate runs extraction, scoring and decision under the user's profile
// lock, then persists tx and records it into the profile before the lock is
// released. A profile rebuilt from history therefore never misses a
// transaction that was already scored.
func (p *Pipeline) evaluate(ctx context.Context, tx *domain.Transaction, start time.Time) (*domain.ScoreResult, error) {
	var result *domain.ScoreResult

	err := p.profiles.WithProfile(ctx, tx.UserID, func(profile *domain.UserProfile) error {
		fv := p.extractor.Extract(tx, profile)
		amount, _ := tx.Amount.Float64()

		in := detector.Input{
			UserID:    tx.UserID,
			Amount:    amount,
			Timestamp: tx.Timestamp,
			History:   append([]float64(nil), profile.RecentAmounts...),
			Features:  fv.Vector(),
		}

		var (
			wg       sync.WaitGroup
			ruleRes  rules.Result
			anomaly  float64
			external detector.Result
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			rctx, span := tracer.Start(ctx, "rules.Evaluate")
			defer span.End()
			ruleRes = p.rules.Evaluate(rctx, fv)
		}()
		go func() {
			defer wg.Done()
			_, span := tracer.Start(ctx, "anomaly.Score")
			defer span.End()
			anomaly = p.anomaly.Score(fv)
		}()
		go func() {
			defer wg.Done()
			dctx, span := tracer.Start(ctx, "detector.Detect")
			defer span.End()
			external = p.detect(dctx, in)
			span.SetAttributes(attribute.String("detector.source", string(external.Source)))
		}()
		wg.Wait()

		anomaly = decision.Clamp(anomaly)
		external.Score = decision.Clamp(external.Score)
		d := p.policy.Evaluate(ruleRes.Score, anomaly, external.Score)

		result = &domain.ScoreResult{
			TransactionID:  tx.ID,
			RuleScore:      ruleRes.Score,
			AnomalyScore:   anomaly,
			ExternalScore:  external.Score,
			ExternalSource: external.Source,
			FinalScore:     d.FinalScore,
			RiskLevel:      d.RiskLevel,
			IsFraud:        d.IsFraud,
			IsBlocked:      d.IsBlocked,
			TriggeredRules: ruleRes.Triggered,
			RulePoints:     ruleRes.Points,
			Explanation: decision.Explain(d, ruleRes.Triggered, ruleRes.Points,
				anomaly, external.Score, external.Source),
			ModelVersion: p.anomaly.Version(),
			ScoredAt:     p.now().UTC(),
		}

		result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000
		p.persist(ctx, tx, result)
		p.profiles.Record(profile, tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// detect shields the decision from a Detector that returns an error.
func (p *Pipeline) detect(ctx context.Context, in detector.Input) detector.Result {
	res, err := p.external.Detect(ctx, in)
	if err != nil {
		p.logger.Warn("external detector failed", "user_id", in.UserID, "error", err)
		return detector.Result{Score: 0, Source: domain.SourceFallback}
	}
	return res
}

// persist saves the scored transaction. Failures are logged and counted,
// never returned.
func (p *Pipeline) persist(ctx context.Context, tx *domain.Transaction, result *domain.ScoreResult) {
	if p.store == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "store.Save")
	defer span.End()
	if err := p.store.SaveScoredTransaction(ctx, tx, result); err != nil {
		span.RecordError(err)
		metrics.StoreErrors.WithLabelValues("save_transaction").Inc()
		p.logger.Error("failed to persist scored transaction",
			"transaction_id", tx.ID,
			"error", err,
		)
	}
}

// dispatch alerts and publishes in parallel. Failures are logged and
// counted, never returned.
func (p *Pipeline) dispatch(ctx context.Context, tx *domain.Transaction, result *domain.ScoreResult, resp *domain.ScoreResponse) *domain.Alert {
	var (
		wg    sync.WaitGroup
		alert *domain.Alert
	)

	if result.IsFraud && p.alerts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.alerts.Create(ctx, tx, result)
			if err != nil {
				p.logger.Error("failed to create alert",
					"transaction_id", tx.ID,
					"error", err,
				)
				return
			}
			alert = a
		}()
	}

	if p.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := json.Marshal(resp)
			if err != nil {
				p.logger.Error("failed to encode scored transaction", "transaction_id", tx.ID, "error", err)
				return
			}
			if err := p.bus.Publish(ctx, domain.TopicTransactionScored, payload); err != nil {
				p.logger.Warn("failed to publish scored transaction",
					"transaction_id", tx.ID,
					"error", err,
				)
			}
		}()
	}

	wg.Wait()
	return alert
}

func (p *Pipeline) record(result *domain.ScoreResult, alerted bool) {
	d := decision.Decision{IsFraud: result.IsFraud, IsBlocked: result.IsBlocked}
	outcome := d.Outcome()

	p.processed.Add(1)
	switch outcome {
	case decision.OutcomeBlocked:
		p.blocked.Add(1)
	case decision.OutcomeFlagged:
		p.flagged.Add(1)
	}
	if alerted {
		p.alerted.Add(1)
	}
	p.totalMicros.Add(uint64(result.ProcessingTimeMs * 1000))

	metrics.TransactionsScored.WithLabelValues(string(outcome)).Inc()
	metrics.ScoringDuration.Observe(result.ProcessingTimeMs / 1000)
	for _, id := range result.TriggeredRules {
		metrics.RuleHits.WithLabelValues(id).Inc()
	}
}

// Stats summarizes scoring activity since start.
type Stats struct {
	Processed       uint64  `json:"processed"`
	Flagged         uint64  `json:"flagged"`
	Blocked         uint64  `json:"blocked"`
	Alerts          uint64  `json:"alerts"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	ModelVersion    string  `json:"model_version"`
}

// Stats returns a snapshot of scoring statistics.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Processed:    p.processed.Load(),
		Flagged:      p.flagged.Load(),
		Blocked:      p.blocked.Load(),
		Alerts:       p.alerted.Load(),
		ModelVersion: p.anomaly.Version(),
	}
	if s.Processed > 0 {
		s.AvgProcessingMs = float64(p.totalMicros.Load()) / 1000 / float64(s.Processed)
	}
	return s
}
