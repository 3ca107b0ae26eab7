// Package anomaly implements the isolation forest anomaly scorer.
//
// A Model is frozen ahead of request time, either loaded from a JSON
// artifact or built once at startup from the baseline reference
// distribution. Scoring never mutates the model, so one instance is
// shared by all requests.
package anomaly

import (
	"fmt"
	"math"
	"math/rand/v2"
)

const eulerGamma = 0.5772156649015329

// Node is one node of an isolation tree. Leaves have Left == Right == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"s"`
}

// Tree is an isolation tree stored as a flat node slice rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// FitConfig controls forest construction.
type FitConfig struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

// pathLength returns the isolation depth of x in the tree, adjusted by
// the expected depth of the unresolved points at the leaf.
func (t *Tree) pathLength(x []float64) float64 {
	idx, depth := 0, 0.0
	for {
		n := t.Nodes[idx]
		if n.Left < 0 {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean unsuccessful search length in a
// binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// fitForest grows cfg.Trees isolation trees on random subsamples of data.
func fitForest(data [][]float64, cfg FitConfig) ([]Tree, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("no training points")
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	psi := cfg.SampleSize
	if psi <= 0 || psi > len(data) {
		psi = min(256, len(data))
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))

	trees := make([]Tree, cfg.Trees)
	for i := range trees {
		sample := subsample(rng, data, psi)
		b := &treeBuilder{rng: rng, limit: heightLimit}
		b.grow(sample, 0)
		trees[i] = Tree{Nodes: b.nodes}
	}
	return trees, psi, nil
}

func subsample(rng *rand.Rand, data [][]float64, n int) [][]float64 {
	perm := rng.Perm(len(data))
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = data[perm[i]]
	}
	return out
}

type treeBuilder struct {
	rng   *rand.Rand
	limit int
	nodes []Node
}

func (b *treeBuilder) grow(points [][]float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(points)})

	if depth >= b.limit || len(points) <= 1 {
		return idx
	}

	// Only features that still vary can split.
	dims := len(points[0])
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
	}
	for _, p := range points {
		for d, v := range p {
			lo[d] = math.Min(lo[d], v)
			hi[d] = math.Max(hi[d], v)
		}
	}
	candidates := make([]int, 0, dims)
	for d := 0; d < dims; d++ {
		if hi[d] > lo[d] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	feature := candidates[b.rng.IntN(len(candidates))]
	threshold := lo[feature] + b.rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, p := range points {
		if p[feature] < threshold {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	b.nodes[idx].Feature = feature
	b.nodes[idx].Threshold = threshold
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}
