package detector

import (
	"context"
	"math"

	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/domain"
)

// maxZ caps each feature's contribution.
const maxZ = 3.0

// ZScoreDetector estimates the external score locally as the mean absolute
// z-score of the feature vector against reference statistics.
type ZScoreDetector struct {
	reference []anomaly.FeatureStats
}

// NewZScoreDetector creates a local detector over reference statistics.
func NewZScoreDetector(reference []anomaly.FeatureStats) *ZScoreDetector {
	return &ZScoreDetector{reference: reference}
}

// Detect never fails.
func (d *ZScoreDetector) Detect(ctx context.Context, in Input) (Result, error) {
	return Result{Score: d.Score(in.Features), Source: domain.SourceFallback}, nil
}

// Score returns mean(min(|z|, 3)) / 3 * 100 over the features that have
// reference statistics.
func (d *ZScoreDetector) Score(x []float64) float64 {
	n := min(len(x), len(d.reference))
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		ref := d.reference[i]
		var z float64
		switch {
		case math.IsNaN(x[i]) || math.IsInf(x[i], 0):
			z = maxZ
		case ref.StdDev > 0:
			z = math.Abs(x[i]-ref.Mean) / ref.StdDev
		case x[i] != ref.Mean:
			z = maxZ
		}
		sum += math.Min(z, maxZ)
	}

	return sum / float64(n) / maxZ * 100
}
