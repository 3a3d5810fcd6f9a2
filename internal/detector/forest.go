package detector

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

const eulerMascheroni = 0.5772156649015329

// Node is one node of an isolation tree. Leaf nodes have Left == -1 and carry
// the size of the partition that reached them. Fields are exported for gob
// encoding of the persisted model.
type Node struct {
	Feature int
	Split   float64
	Left    int32
	Right   int32
	Size    int32
}

// Forest is a fitted isolation forest. Scores follow the usual convention:
// ScoreSample returns -s(x) in [-1, 0), more negative means more anomalous,
// and a sample is an outlier when its score falls below Offset, the
// contamination quantile of the training scores.
type Forest struct {
	Trees         [][]Node
	SubsampleSize int
	Offset        float64
}

// FitForest trains an isolation forest on the scaled feature matrix.
func FitForest(features [][]float64, trees, subsample int, contamination float64, seed int64) (*Forest, error) {
	if len(features) == 0 {
		return nil, errors.New("forest: empty feature matrix")
	}
	if trees <= 0 || subsample <= 0 {
		return nil, errors.New("forest: trees and subsample must be positive")
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, errors.New("forest: contamination must be in (0, 0.5)")
	}

	psi := subsample
	if psi > len(features) {
		psi = len(features)
	}
	depthLimit := int(math.Ceil(math.Log2(float64(psi))))
	if depthLimit < 1 {
		depthLimit = 1
	}

	rng := rand.New(rand.NewSource(seed))
	forest := &Forest{
		Trees:         make([][]Node, 0, trees),
		SubsampleSize: psi,
	}

	for t := 0; t < trees; t++ {
		perm := rng.Perm(len(features))[:psi]
		subset := make([][]float64, psi)
		for i, idx := range perm {
			subset[i] = features[idx]
		}

		builder := treeBuilder{rng: rng, depthLimit: depthLimit}
		builder.grow(subset, 0)
		forest.Trees = append(forest.Trees, builder.nodes)
	}

	scores := make([]float64, len(features))
	for i, row := range features {
		scores[i] = forest.ScoreSample(row)
	}
	forest.Offset = quantile(scores, contamination)

	return forest, nil
}

// ScoreSample returns the negated anomaly score for one scaled feature row.
func (f *Forest) ScoreSample(row []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}

	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, row)
	}
	avg := total / float64(len(f.Trees))

	return -math.Pow(2, -avg/averagePathLength(f.SubsampleSize))
}

// IsOutlier reports whether a score falls below the fitted offset.
func (f *Forest) IsOutlier(score float64) bool {
	return score < f.Offset
}

type treeBuilder struct {
	rng        *rand.Rand
	depthLimit int
	nodes      []Node
}

// grow appends the subtree for the partition and returns its node index.
func (b *treeBuilder) grow(subset [][]float64, depth int) int32 {
	idx := int32(len(b.nodes))
	if len(subset) <= 1 || depth >= b.depthLimit {
		b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: int32(len(subset))})
		return idx
	}

	feature := b.rng.Intn(len(subset[0]))
	lo, hi := subset[0][feature], subset[0][feature]
	for _, row := range subset[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: int32(len(subset))})
		return idx
	}

	split := lo + b.rng.Float64()*(hi-lo)
	left := make([][]float64, 0, len(subset))
	right := make([][]float64, 0, len(subset))
	for _, row := range subset {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	b.nodes = append(b.nodes, Node{Feature: feature, Split: split})
	leftIdx := b.grow(left, depth+1)
	rightIdx := b.grow(right, depth+1)
	b.nodes[idx].Left = leftIdx
	b.nodes[idx].Right = rightIdx
	return idx
}

func pathLength(tree []Node, row []float64) float64 {
	depth := 0.0
	idx := int32(0)
	for {
		node := tree[idx]
		if node.Left == -1 {
			return depth + averagePathLength(int(node.Size))
		}
		if node.Feature < len(row) && row[node.Feature] < node.Split {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		h := math.Log(float64(n-1)) + eulerMascheroni
		return 2*h - 2*float64(n-1)/float64(n)
	}
}

// quantile returns the q-quantile of values using linear interpolation.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
