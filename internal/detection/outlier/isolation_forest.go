// Package outlier implements the three-tier behavioral outlier rule
// (§4.4.5): a supervised classifier trained from feedback labels, a
// per-user unsupervised Isolation-Forest-class model, and a global
// fallback model trained on the union of all users. No statistics or ML
// library exists anywhere in the retrieval pack, so both model families
// are implemented directly over math/rand/sort.
package outlier

import (
	"math"
	"math/rand"
	"sort"
)

// isolationTree is one randomized partition tree. Each internal node
// splits on a random feature at a random threshold between the feature's
// observed min and max; leaves record the remaining sample count so a
// path that terminates early (few points left) contributes less to the
// anomaly score, matching Isolation Forest's "anomalies are isolated in
// fewer splits" intuition.
type isolationTree struct {
	feature   int
	threshold float64
	left      *isolationTree
	right     *isolationTree
	size      int // samples remaining at a leaf
	leaf      bool
}

// IsolationForest is an ensemble of isolationTrees. Contamination
// determines the fraction of training points treated as the "expected"
// anomaly rate when Fit derives Threshold.
type IsolationForest struct {
	Trees         []*isolationTree `json:"-"`
	NumFeatures   int              `json:"num_features"`
	SampleSize    int              `json:"sample_size"`
	Threshold     float64          `json:"threshold"`
	Contamination float64          `json:"contamination"`

	// SerializedTrees holds the trees in a flat form for JSON round-trips.
	SerializedTrees []serializedTree `json:"trees"`
}

const (
	defaultNumTrees    = 100
	defaultSampleSize  = 256
	averagePathC0Limit = 2
)

// FitIsolationForest trains an ensemble over samples (each a feature
// vector of equal length) at the given contamination rate (§4.4.5: 0.05).
func FitIsolationForest(samples [][]float64, contamination float64) *IsolationForest {
	if len(samples) == 0 {
		return &IsolationForest{Contamination: contamination}
	}

	numFeatures := len(samples[0])
	sampleSize := defaultSampleSize
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	f := &IsolationForest{NumFeatures: numFeatures, SampleSize: sampleSize, Contamination: contamination}
	for i := 0; i < defaultNumTrees; i++ {
		subset := sampleWithoutReplacement(samples, sampleSize)
		f.Trees = append(f.Trees, buildTree(subset, 0, maxDepth))
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.rawScore(s)
	}
	f.Threshold = quantileThreshold(scores, 1-contamination)
	return f
}

func sampleWithoutReplacement(samples [][]float64, n int) [][]float64 {
	idx := rand.Perm(len(samples))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}

func buildTree(samples [][]float64, depth, maxDepth int) *isolationTree {
	if depth >= maxDepth || len(samples) <= 1 {
		return &isolationTree{leaf: true, size: len(samples)}
	}

	numFeatures := len(samples[0])
	feature := rand.Intn(numFeatures)

	min, max := samples[0][feature], samples[0][feature]
	for _, s := range samples {
		if s[feature] < min {
			min = s[feature]
		}
		if s[feature] > max {
			max = s[feature]
		}
	}
	if min == max {
		return &isolationTree{leaf: true, size: len(samples)}
	}

	threshold := min + rand.Float64()*(max-min)
	var leftSamples, rightSamples [][]float64
	for _, s := range samples {
		if s[feature] < threshold {
			leftSamples = append(leftSamples, s)
		} else {
			rightSamples = append(rightSamples, s)
		}
	}
	if len(leftSamples) == 0 || len(rightSamples) == 0 {
		return &isolationTree{leaf: true, size: len(samples)}
	}

	return &isolationTree{
		feature:   feature,
		threshold: threshold,
		left:      buildTree(leftSamples, depth+1, maxDepth),
		right:     buildTree(rightSamples, depth+1, maxDepth),
	}
}

func pathLength(t *isolationTree, x []float64, depth int) float64 {
	if t.leaf {
		return float64(depth) + averagePathLength(t.size)
	}
	if x[t.feature] < t.threshold {
		return pathLength(t.left, x, depth+1)
	}
	return pathLength(t.right, x, depth+1)
}

// averagePathLength approximates the expected path length of an
// unsuccessful search in a binary search tree of n nodes, the normalizing
// constant c(n) from the Isolation Forest paper.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == averagePathC0Limit {
		return 1
	}
	return 2*(math.Log(float64(n-1))+0.5772156649) - 2*float64(n-1)/float64(n)
}

// rawScore returns the Isolation Forest anomaly score in [0,1]; values
// close to 1 indicate an anomaly, close to 0.5 or below indicate normal.
func (f *IsolationForest) rawScore(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, x, 0)
	}
	avg := total / float64(len(f.Trees))
	cN := averagePathLength(f.SampleSize)
	if cN == 0 {
		return 0
	}
	return math.Pow(2, -avg/cN)
}

// Score returns the raw anomaly score for x, in [0,1].
func (f *IsolationForest) Score(x []float64) float64 {
	return f.rawScore(x)
}

// IsOutlier reports whether x scores strictly above the fitted threshold.
func (f *IsolationForest) IsOutlier(x []float64) bool {
	return f.rawScore(x) > f.Threshold
}

func quantileThreshold(scores []float64, q float64) float64 {
	if len(scores) == 0 {
		return 0.5
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
