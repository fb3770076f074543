package sampler

import (
	"math"
	"math/rand/v2"
	"sort"

	. "github.com/gomlx/exceptions"
)

// NegativeSampler draws negative examples from the distorted unigram
// distribution over node degrees, p(v) ∝ degree(v)^distortion. Nodes with
// degree 0 are never drawn.
//
// Draws are with replacement and may collide with the positive target of a
// pair; the skip-gram loss tolerates that.
type NegativeSampler struct {
	cumulative []float64
	total      float64
}

// NewNegativeSampler builds the cumulative distribution table from the
// node degrees. Distortion flattens (<1) or sharpens (>1) the
// distribution; 0.75 is the usual skip-gram choice.
func NewNegativeSampler(degrees []int32, distortion float64) *NegativeSampler {
	if len(degrees) == 0 {
		Panicf("NewNegativeSampler: empty degrees")
	}
	ns := &NegativeSampler{
		cumulative: make([]float64, len(degrees)),
	}
	for i, degree := range degrees {
		if degree > 0 {
			ns.total += math.Pow(float64(degree), distortion)
		}
		ns.cumulative[i] = ns.total
	}
	if ns.total <= 0 {
		Panicf("NewNegativeSampler: all %d nodes have degree 0, nothing to sample", len(degrees))
	}
	return ns
}

// Sample fills out with draws from the distribution.
// It is safe for concurrent use.
func (ns *NegativeSampler) Sample(out []int32) {
	for i := range out {
		out[i] = ns.draw()
	}
}

func (ns *NegativeSampler) draw() int32 {
	r := rand.Float64() * ns.total
	// Leftmost index with cumulative > r. Zero-degree nodes repeat the
	// previous cumulative value, so the search lands past them.
	idx := sort.Search(len(ns.cumulative), func(i int) bool {
		return ns.cumulative[i] > r
	})
	if idx >= len(ns.cumulative) {
		idx = len(ns.cumulative) - 1
	}
	return int32(idx)
}
