package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// CalibrationPoint maps a raw isolation score to a 0-100 anomaly score.
type CalibrationPoint struct {
	Raw   float64 `json:"raw"`
	Score float64 `json:"score"`
}

// FeatureStats is the reference mean and standard deviation of one feature.
type FeatureStats struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Model is a frozen isolation forest with its calibration curve.
type Model struct {
	Version     string             `json:"version"`
	SampleSize  int                `json:"sample_size"`
	Features    []string           `json:"features"`
	Trees       []Tree             `json:"trees"`
	Calibration []CalibrationPoint `json:"calibration"`
	Reference   []FeatureStats     `json:"reference"`
}

// RawScore returns s = 2^(-E[h(x)]/c(psi)) in (0, 1]. Values near 1 are
// anomalous, values well below 0.5 are normal.
func (m *Model) RawScore(x []float64) float64 {
	var total float64
	for i := range m.Trees {
		total += m.Trees[i].pathLength(x)
	}
	mean := total / float64(len(m.Trees))

	c := averagePathLength(m.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// Score returns the calibrated anomaly score in [0, 100].
func (m *Model) Score(x []float64) float64 {
	return m.calibrate(m.RawScore(x))
}

// calibrate interpolates linearly along the calibration curve, clamping
// outside its range.
func (m *Model) calibrate(raw float64) float64 {
	pts := m.Calibration
	if len(pts) == 0 {
		return clamp(raw*100, 0, 100)
	}
	if raw <= pts[0].Raw {
		return clamp(pts[0].Score, 0, 100)
	}
	last := pts[len(pts)-1]
	if raw >= last.Raw {
		return clamp(last.Score, 0, 100)
	}

	i := sort.Search(len(pts), func(i int) bool { return pts[i].Raw >= raw })
	a, b := pts[i-1], pts[i]
	frac := (raw - a.Raw) / (b.Raw - a.Raw)
	return clamp(a.Score+frac*(b.Score-a.Score), 0, 100)
}

// Validate checks structural integrity of a loaded artifact.
func (m *Model) Validate(numFeatures int) error {
	if len(m.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if m.SampleSize < 2 {
		return fmt.Errorf("model sample size %d is too small", m.SampleSize)
	}
	if len(m.Reference) != numFeatures {
		return fmt.Errorf("model has %d reference features, want %d", len(m.Reference), numFeatures)
	}
	for ti, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left < 0 && n.Right < 0 {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= numFeatures {
				return fmt.Errorf("tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	for i := 1; i < len(m.Calibration); i++ {
		if m.Calibration[i].Raw <= m.Calibration[i-1].Raw {
			return fmt.Errorf("calibration curve is not strictly increasing at point %d", i)
		}
	}
	return nil
}

// Load reads and validates a JSON model artifact.
func Load(path string, numFeatures int) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := m.Validate(numFeatures); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the model as a JSON artifact.
func (m *Model) Save(path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
