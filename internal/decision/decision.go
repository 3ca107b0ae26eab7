// Package decision combines the three signal scores into one final fraud
// score and maps it to a risk level and an approve, flag or block outcome.
package decision

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Outcome is the action taken for a scored transaction.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeBlocked  Outcome = "blocked"
)

// Weights are the aggregation weights of the three signals.
type Weights struct {
	Rule     float64
	Anomaly  float64
	External float64
}

// Policy holds the aggregation weights and decision thresholds.
type Policy struct {
	Weights Weights

	// MediumThreshold starts the medium band, FraudThreshold the high band.
	MediumThreshold float64
	FraudThreshold  float64
	BlockThreshold  float64
}

// NewPolicy returns the production policy.
func NewPolicy() *Policy {
	return &Policy{
		Weights: Weights{
			Rule:     0.6,
			Anomaly:  0.25,
			External: 0.15,
		},
		MediumThreshold: 30,
		FraudThreshold:  70,
		BlockThreshold:  80,
	}
}

// Decision is the result of applying the policy to a final score.
type Decision struct {
	FinalScore float64
	RiskLevel  domain.RiskLevel
	IsFraud    bool
	IsBlocked  bool
}

// Outcome returns the action implied by the decision.
func (d Decision) Outcome() Outcome {
	switch {
	case d.IsBlocked:
		return OutcomeBlocked
	case d.IsFraud:
		return OutcomeFlagged
	default:
		return OutcomeApproved
	}
}

// Aggregate returns the weighted final score clamped to [0,100] and rounded
// to 4 decimals. Each signal is clamped first; a NaN signal counts as 0 so
// the remaining signals still decide.
func (p *Policy) Aggregate(rule, anomaly, external float64) float64 {
	final := Clamp(rule)*p.Weights.Rule + Clamp(anomaly)*p.Weights.Anomaly + Clamp(external)*p.Weights.External
	final = Clamp(final)
	return math.Round(final*1e4) / 1e4
}

// Clamp bounds a score to [0,100]. NaN maps to 0.
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

// Decide maps a final score to a decision.
func (p *Policy) Decide(final float64) Decision {
	d := Decision{
		FinalScore: final,
		IsFraud:    final >= p.FraudThreshold,
		IsBlocked:  final >= p.BlockThreshold,
	}
	switch {
	case final >= p.FraudThreshold:
		d.RiskLevel = domain.RiskHigh
	case final >= p.MediumThreshold:
		d.RiskLevel = domain.RiskMedium
	default:
		d.RiskLevel = domain.RiskLow
	}
	return d
}

// Evaluate aggregates and decides in one step.
func (p *Policy) Evaluate(rule, anomaly, external float64) Decision {
	return p.Decide(p.Aggregate(rule, anomaly, external))
}

// Explain renders a short human-readable explanation of a decision.
func Explain(d Decision, triggered []string, points map[string]int, anomaly, external float64, source domain.ExternalSource) string {
	var b strings.Builder

	switch d.Outcome() {
	case OutcomeBlocked:
		fmt.Fprintf(&b, "Blocked: fraud score %.1f is at or above the block threshold.", d.FinalScore)
	case OutcomeFlagged:
		fmt.Fprintf(&b, "Flagged for review: fraud score %.1f indicates high risk.", d.FinalScore)
	default:
		fmt.Fprintf(&b, "Approved: fraud score %.1f (%s risk).", d.FinalScore, d.RiskLevel)
	}

	if len(triggered) > 0 {
		parts := make([]string, 0, len(triggered))
		for _, id := range triggered {
			parts = append(parts, fmt.Sprintf("%s (+%d)", id, points[id]))
		}
		fmt.Fprintf(&b, " Rules triggered: %s.", strings.Join(parts, ", "))
	} else {
		b.WriteString(" No rules triggered.")
	}

	fmt.Fprintf(&b, " Anomaly score %.1f; external score %.1f (%s).", anomaly, external, source)
	return b.String()
}
