package model

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// OutlierScorer is an unsupervised outlier model. A scorer is fitted once
// and then only read; the Detector builds a new scorer for every fit.
type OutlierScorer interface {
	// Fit trains the scorer on standardized vectors.
	Fit(vectors [][]float64) error
	// Decide returns one decision value per vector. Negative values mark
	// outliers; larger values are more normal.
	Decide(vectors [][]float64) []float64
}

// ForestConfig holds isolation forest parameters.
type ForestConfig struct {
	Trees         int     `yaml:"trees"`
	MaxSamples    int     `yaml:"max_samples"`
	Contamination float64 `yaml:"contamination"`
	Seed          uint64  `yaml:"seed"`
}

// DefaultForestConfig returns the default forest configuration.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// pcgStream derives the second PCG word from the seed.
const pcgStream = 0x9e3779b97f4a7c15

// isolationTree represents a single tree in the forest.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
}

// IsolationForest implements OutlierScorer with the isolation forest
// algorithm. Training is deterministic for a given seed.
type IsolationForest struct {
	cfg        ForestConfig
	trees      []*isolationTree
	sampleSize int
	maxDepth   int
	offset     float64
	rng        *rand.Rand
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(cfg ForestConfig) *IsolationForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 256
	}
	return &IsolationForest{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^pcgStream)),
	}
}

// Fit builds the trees and derives the decision offset so that the
// configured contamination share of the training set falls below zero.
func (f *IsolationForest) Fit(vectors [][]float64) error {
	if _, err := dimension(vectors); err != nil {
		return err
	}

	f.sampleSize = min(f.cfg.MaxSamples, len(vectors))
	f.maxDepth = int(math.Ceil(math.Log2(float64(max(f.sampleSize, 2)))))
	f.trees = make([]*isolationTree, 0, f.cfg.Trees)
	for i := 0; i < f.cfg.Trees; i++ {
		f.trees = append(f.trees, f.buildTree(f.sample(vectors), 0))
	}

	scores := f.scoreSamples(vectors)
	sort.Float64s(scores)
	f.offset = stat.Quantile(f.cfg.Contamination, stat.LinInterp, scores, nil)
	return nil
}

// Decide returns score_samples minus the fitted offset.
func (f *IsolationForest) Decide(vectors [][]float64) []float64 {
	out := f.scoreSamples(vectors)
	for i := range out {
		out[i] -= f.offset
	}
	return out
}

// scoreSamples returns the negated isolation score 2^(-E[h]/c(n)), so that
// lower means more anomalous.
func (f *IsolationForest) scoreSamples(vectors [][]float64) []float64 {
	out := make([]float64, len(vectors))
	c := averagePathLength(f.sampleSize)
	for i, v := range vectors {
		if len(f.trees) == 0 || c == 0 {
			out[i] = -0.5
			continue
		}
		total := 0.0
		for _, tree := range f.trees {
			total += pathLength(tree, v, 0)
		}
		avg := total / float64(len(f.trees))
		out[i] = -math.Pow(2, -avg/c)
	}
	return out
}

// sample draws sampleSize vectors without replacement.
func (f *IsolationForest) sample(vectors [][]float64) [][]float64 {
	shuffled := make([][]float64, len(vectors))
	copy(shuffled, vectors)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.IntN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.sampleSize]
}

func (f *IsolationForest) buildTree(data [][]float64, depth int) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	// Pick among features that still vary so a split always partitions.
	var candidates []int
	for j := range data[0] {
		lo, hi := featureRange(data, j)
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	feature := candidates[f.rng.IntN(len(candidates))]
	lo, hi := featureRange(data, feature)
	split := lo + f.rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, v := range data {
		if v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	return &isolationTree{
		splitFeature: feature,
		splitValue:   split,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
	}
}

func pathLength(tree *isolationTree, v []float64, depth int) float64 {
	if tree.isLeaf {
		return float64(depth) + averagePathLength(tree.size)
	}
	if v[tree.splitFeature] < tree.splitValue {
		return pathLength(tree.left, v, depth+1)
	}
	return pathLength(tree.right, v, depth+1)
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func allIdentical(data [][]float64) bool {
	first := data[0]
	for _, v := range data[1:] {
		for j := range first {
			if math.Abs(v[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, v := range data[1:] {
		lo = min(lo, v[feature])
		hi = max(hi, v[feature])
	}
	return lo, hi
}
