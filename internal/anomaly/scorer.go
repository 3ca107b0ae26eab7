package anomaly

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
)

// Scorer produces the 0-100 anomaly score for a feature vector.
type Scorer struct {
	model *Model
}

// NewScorer wraps a frozen model.
func NewScorer(m *Model) *Scorer {
	return &Scorer{model: m}
}

// NewScorerFromConfig loads the configured artifact, or freezes the
// baseline model when no artifact path is set.
func NewScorerFromConfig(cfg domain.ModelConfig, logger *slog.Logger) (*Scorer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != "" {
		m, err := Load(cfg.Path, features.NumFeatures)
		if err != nil {
			return nil, err
		}
		logger.Info("anomaly model loaded",
			"path", cfg.Path,
			"version", m.Version,
			"trees", len(m.Trees),
		)
		return NewScorer(m), nil
	}

	m, err := Baseline(features.Names[:], FitConfig{
		Trees:      cfg.Trees,
		SampleSize: cfg.SampleSize,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to freeze baseline model: %w", err)
	}
	logger.Info("anomaly baseline model frozen",
		"version", m.Version,
		"trees", len(m.Trees),
		"sample_size", m.SampleSize,
	)
	return NewScorer(m), nil
}

// Score returns the calibrated anomaly score for fv.
func (s *Scorer) Score(fv features.FeatureVector) float64 {
	return s.model.Score(fv.Vector())
}

// Version returns the model version tag.
func (s *Scorer) Version() string {
	return s.model.Version
}

// Reference returns per-feature reference statistics for the z-score fallback.
func (s *Scorer) Reference() []FeatureStats {
	return s.model.Reference
}

// Model returns the underlying frozen model.
func (s *Scorer) Model() *Model {
	return s.model
}
