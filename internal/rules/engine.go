// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/harrier/internal/features"
)

// interruptCheckFrequency is how many comprehension iterations run between
// cancellation checks.
const interruptCheckFrequency = 100

// Rule is one entry of the catalog.
type Rule struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Expression  string `json:"expression"`
	Points      int    `json:"points"`
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    Rule
	Program cel.Program
}

// Result is the outcome of evaluating the catalog against one feature vector.
type Result struct {
	// Score is min(sum of fired points, 100).
	Score float64
	// Triggered lists fired rule ids in catalog order.
	Triggered []string
	// Points maps each fired rule to its points.
	Points map[string]int
}

// Engine is the CEL-based rule evaluation engine. Rules are compiled once
// at construction; evaluation is read-only and safe for concurrent use.
type Engine struct {
	env               *cel.Env
	rules             []*CompiledRule
	highRiskCountries []string
	logger            *slog.Logger
}

// NewEngine creates an engine over the fixed catalog.
func NewEngine(highRiskCountries []string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Create CEL environment with feature variables
	env, err := cel.NewEnv(
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("rolling_avg", cel.DoubleType),
		cel.Variable("distance_km", cel.DoubleType),
		cel.Variable("implied_speed_kmh", cel.DoubleType),
		cel.Variable("has_last_location", cel.BoolType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("local_hour", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("high_risk_countries", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:               env,
		highRiskCountries: append([]string(nil), highRiskCountries...),
		logger:            logger.With("component", "rules"),
	}

	for _, r := range Catalog() {
		compiled, err := e.compileRule(r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
	}

	return e, nil
}

// Evaluate runs every catalog rule against fv in catalog order.
// A rule whose evaluation errors does not fire. Once ctx is done the
// remaining rules are skipped.
func (e *Engine) Evaluate(ctx context.Context, fv features.FeatureVector) Result {
	activation := map[string]any{
		"velocity_count":      int64(fv.VelocityCount),
		"amount":              fv.Amount,
		"rolling_avg":         fv.RollingAvg,
		"distance_km":         fv.DistanceKm,
		"implied_speed_kmh":   fv.ImpliedSpeedKmh,
		"has_last_location":   fv.HasLastLocation,
		"is_new_device":       fv.IsNewDevice,
		"local_hour":          int64(fv.LocalHour),
		"country":             fv.Country,
		"high_risk_countries": e.highRiskCountries,
	}

	result := Result{
		Triggered: make([]string, 0, len(e.rules)),
		Points:    make(map[string]int, len(e.rules)),
	}

	sum := 0
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("rule evaluation interrupted",
				"rule", rule.Rule.ID,
				"error", err,
			)
			break
		}
		out, _, err := rule.Program.ContextEval(ctx, activation)
		if err != nil {
			e.logger.Error("rule evaluation failed",
				"rule", rule.Rule.ID,
				"error", err,
			)
			continue
		}
		if fired, ok := out.(types.Bool); ok && bool(fired) {
			result.Triggered = append(result.Triggered, rule.Rule.ID)
			result.Points[rule.Rule.ID] = rule.Rule.Points
			sum += rule.Rule.Points
		}
	}

	result.Score = float64(min(sum, MaxRuleScore))
	return result
}

// Rules returns the loaded catalog in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// HighRiskCountries returns the configured blacklist.
func (e *Engine) HighRiskCountries() []string {
	return append([]string(nil), e.highRiskCountries...)
}

func (e *Engine) compileRule(r Rule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(interruptCheckFrequency))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	return &CompiledRule{
		Rule:    r,
		Program: program,
	}, nil
}
