package decision

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestAggregate(t *testing.T) {
	p := NewPolicy()

	tests := []struct {
		name            string
		rule, anom, ext float64
		want            float64
	}{
		{"all zero", 0, 0, 0, 0},
		{"all max", 100, 100, 100, 100},
		{"rules only", 50, 0, 0, 30},
		{"mixed", 60, 40, 20, 49},
		{"clamped high", 200, 200, 200, 100},
		{"clamped low", -50, 0, 0, 0},
		{"float noise removed", 70, 70, 70, 70},
		{"NaN signal counts as zero", math.NaN(), 40, math.NaN(), 10},
		{"infinite signals clamped", math.Inf(1), math.Inf(-1), 0, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Aggregate(tt.rule, tt.anom, tt.ext)
			if got != tt.want {
				t.Errorf("Aggregate(%v, %v, %v) = %v, want %v", tt.rule, tt.anom, tt.ext, got, tt.want)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{42.5, 42.5},
		{100, 100},
		{100.1, 100},
		{math.NaN(), 0},
		{math.Inf(1), 100},
		{math.Inf(-1), 0},
	}

	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	d := NewPolicy().Evaluate(math.NaN(), math.NaN(), math.NaN())
	if d.FinalScore != 0 || d.RiskLevel != domain.RiskLow {
		t.Errorf("Evaluate(NaN...) = %+v, want zero low-risk decision", d)
	}
}

func TestDecideBands(t *testing.T) {
	p := NewPolicy()

	tests := []struct {
		final   float64
		level   domain.RiskLevel
		fraud   bool
		blocked bool
		outcome Outcome
	}{
		{0, domain.RiskLow, false, false, OutcomeApproved},
		{29.9999, domain.RiskLow, false, false, OutcomeApproved},
		{30, domain.RiskMedium, false, false, OutcomeApproved},
		{69.9999, domain.RiskMedium, false, false, OutcomeApproved},
		{70, domain.RiskHigh, true, false, OutcomeFlagged},
		{79.9999, domain.RiskHigh, true, false, OutcomeFlagged},
		{80, domain.RiskHigh, true, true, OutcomeBlocked},
		{100, domain.RiskHigh, true, true, OutcomeBlocked},
	}

	for _, tt := range tests {
		d := p.Decide(tt.final)
		if d.RiskLevel != tt.level {
			t.Errorf("Decide(%v).RiskLevel = %s, want %s", tt.final, d.RiskLevel, tt.level)
		}
		if d.IsFraud != tt.fraud || d.IsBlocked != tt.blocked {
			t.Errorf("Decide(%v) fraud=%v blocked=%v, want %v/%v", tt.final, d.IsFraud, d.IsBlocked, tt.fraud, tt.blocked)
		}
		if d.Outcome() != tt.outcome {
			t.Errorf("Decide(%v).Outcome() = %s, want %s", tt.final, d.Outcome(), tt.outcome)
		}
	}
}

func TestEvaluateProperties(t *testing.T) {
	p := NewPolicy()
	r := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 1000; i++ {
		rule, anom, ext := r.Float64()*100, r.Float64()*100, r.Float64()*100
		d := p.Evaluate(rule, anom, ext)

		if d.FinalScore < 0 || d.FinalScore > 100 {
			t.Fatalf("final score %v out of range", d.FinalScore)
		}
		if d.IsBlocked && !d.IsFraud {
			t.Fatalf("blocked without fraud at %v", d.FinalScore)
		}
		if again := p.Evaluate(rule, anom, ext); again != d {
			t.Fatalf("non-deterministic decision: %+v vs %+v", d, again)
		}
	}
}

func TestEvaluateMonotonic(t *testing.T) {
	p := NewPolicy()
	prev := p.Evaluate(0, 50, 50).FinalScore
	for rule := 1.0; rule <= 100; rule++ {
		cur := p.Evaluate(rule, 50, 50).FinalScore
		if cur < prev {
			t.Fatalf("final score decreased from %v to %v at rule=%v", prev, cur, rule)
		}
		prev = cur
	}
}

func TestExplain(t *testing.T) {
	p := NewPolicy()

	t.Run("blocked with rules", func(t *testing.T) {
		d := p.Decide(85)
		got := Explain(d, []string{"velocity_check", "blacklist_check"},
			map[string]int{"velocity_check": 25, "blacklist_check": 50}, 60, 40, domain.SourceFallback)

		for _, want := range []string{"Blocked", "velocity_check (+25)", "blacklist_check (+50)", "fallback"} {
			if !strings.Contains(got, want) {
				t.Errorf("explanation %q missing %q", got, want)
			}
		}
	})

	t.Run("approved without rules", func(t *testing.T) {
		got := Explain(p.Decide(12), nil, nil, 10, 5, domain.SourceRemote)
		if !strings.HasPrefix(got, "Approved") {
			t.Errorf("explanation %q should start with Approved", got)
		}
		if !strings.Contains(got, "No rules triggered") {
			t.Errorf("explanation %q should mention no rules", got)
		}
	})

	t.Run("flagged", func(t *testing.T) {
		got := Explain(p.Decide(72), []string{"new_device"}, map[string]int{"new_device": 15}, 0, 0, domain.SourceRemote)
		if !strings.HasPrefix(got, "Flagged") {
			t.Errorf("explanation %q should start with Flagged", got)
		}
	})
}
