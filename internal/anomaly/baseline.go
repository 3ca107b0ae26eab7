package anomaly

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// referencePoints is the size of the synthetic baseline population.
const referencePoints = 4096

// Baseline freezes a model from a fixed reference population of ordinary
// card activity. The same seed always yields the same model.
func Baseline(names []string, cfg FitConfig) (*Model, error) {
	data := ReferencePopulation(cfg.Seed, referencePoints)
	m, err := Fit(data, names, cfg)
	if err != nil {
		return nil, err
	}
	m.Version = fmt.Sprintf("iforest-baseline-%d-%d-s%d", len(m.Trees), m.SampleSize, cfg.Seed)
	return m, nil
}

// Fit builds a model from data and calibrates it against the same data.
func Fit(data [][]float64, names []string, cfg FitConfig) (*Model, error) {
	trees, psi, err := fitForest(data, cfg)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Version:    "iforest-custom",
		SampleSize: psi,
		Features:   append([]string(nil), names...),
		Trees:      trees,
		Reference:  referenceStats(data, names),
	}

	raws := make([]float64, len(data))
	for i, x := range data {
		raws[i] = m.RawScore(x)
	}
	m.Calibration = calibrationCurve(raws)
	return m, nil
}

// calibrationCurve anchors quantiles of the reference raw scores:
// the median maps to 10, p90 to 25, p99 to 50, and the raw score
// halfway from p99 to 1 maps to 80.
func calibrationCurve(raws []float64) []CalibrationPoint {
	sorted := append([]float64(nil), raws...)
	sort.Float64s(sorted)

	q := func(p float64) float64 {
		return sorted[int(p*float64(len(sorted)-1))]
	}
	p99 := q(0.99)

	pts := []CalibrationPoint{
		{Raw: q(0), Score: 0},
		{Raw: q(0.5), Score: 10},
		{Raw: q(0.9), Score: 25},
		{Raw: p99, Score: 50},
		{Raw: p99 + (1-p99)/2, Score: 80},
		{Raw: 1, Score: 100},
	}

	// Keep the curve strictly increasing on degenerate inputs.
	for i := 1; i < len(pts); i++ {
		if pts[i].Raw <= pts[i-1].Raw {
			pts[i].Raw = math.Nextafter(pts[i-1].Raw, math.Inf(1))
		}
	}
	return pts
}

func referenceStats(data [][]float64, names []string) []FeatureStats {
	dims := len(data[0])
	stats := make([]FeatureStats, dims)
	for d := 0; d < dims; d++ {
		var sum, sq float64
		for _, x := range data {
			sum += x[d]
		}
		mean := sum / float64(len(data))
		for _, x := range data {
			sq += (x[d] - mean) * (x[d] - mean)
		}
		stats[d] = FeatureStats{Mean: mean, StdDev: math.Sqrt(sq / float64(len(data)))}
		if d < len(names) {
			stats[d].Name = names[d]
		}
	}
	return stats
}

// ReferencePopulation draws n feature vectors of ordinary activity:
// log-normal amounts around 55, daytime hours, short hops, low velocity,
// rare new devices and rare high-risk countries.
func ReferencePopulation(seed uint64, n int) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float64, n)

	for i := range out {
		amount := math.Round(math.Exp(4+0.8*rng.NormFloat64())*100) / 100
		hour := math.Round(14 + 4*rng.NormFloat64())
		hour = math.Max(0, math.Min(23, hour))
		dow := float64(rng.IntN(7))

		distance := 0.0
		if rng.Float64() > 0.1 {
			distance = rng.ExpFloat64() * 10
		}
		hoursSince := math.Min(rng.ExpFloat64()*24, 720)

		velocity := 1.0
		switch r := rng.Float64(); {
		case r > 0.95:
			velocity = 3
		case r > 0.8:
			velocity = 2
		}

		device := 0.0
		if rng.Float64() < 0.05 {
			device = 1
		}

		deviation := math.Max(-0.95, 0.3*rng.NormFloat64())

		country := 0.0
		if rng.Float64() < 0.01 {
			country = 1
		}

		out[i] = []float64{amount, hour, dow, distance, hoursSince, velocity, device, deviation, country}
	}
	return out
}
