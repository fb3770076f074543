package gnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// PairAffinity is the dot product of aligned source and target embeddings,
// shaped [batch]. Embeddings are expected L2-normalized, so this is a cosine.
func PairAffinity(src, tgt *Node) *Node {
	return ReduceSum(Mul(src, tgt), -1)
}

// NegativeAffinity is the dot product of every source against every negative,
// shaped [batch, numNegatives].
func NegativeAffinity(src, negatives *Node) *Node {
	return Einsum("bd,nd->bn", src, negatives)
}

// SkipGramLoss is the per-example sigmoid cross entropy of the positive pair
// against the shared negatives: softplus(-pos) + sum over negatives of
// softplus(neg). It matches the losses.LossFn contract, with predictions
// holding the source, target and negative embeddings; labels are unused. The
// trainer takes the batch mean.
func SkipGramLoss(labels, predictions []*Node) *Node {
	_ = labels
	src, tgt, negatives := predictions[0], predictions[1], predictions[2]
	positive := Softplus(Neg(PairAffinity(src, tgt)))
	negative := ReduceSum(Softplus(NegativeAffinity(src, negatives)), -1)
	return Add(positive, negative)
}

// MRRGraph computes the batch's mean reciprocal rank of each positive pair's
// affinity ranked against the negatives' affinities, descending. On ties the
// positive ranks below the negatives. Matches metrics.BaseMetricGraph;
// predictions are the three embedding groups, labels are unused.
func MRRGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	_ = ctx
	_ = labels
	src, tgt, negatives := predictions[0], predictions[1], predictions[2]
	positive := InsertAxes(PairAffinity(src, tgt), -1)
	negative := NegativeAffinity(src, negatives)
	beaten := ConvertDType(GreaterOrEqual(negative, positive), dtypes.Float32)
	rank := AddScalar(ReduceSum(beaten, -1), 1)
	return ReduceAllMean(Div(OnesLike(rank), rank))
}

// NewMeanMRRMetric returns the mean reciprocal rank averaged over every batch
// seen, used for evaluation sweeps.
func NewMeanMRRMetric() metrics.Interface {
	return metrics.NewMeanMetric("Mean Reciprocal Rank", "#mrr", "mrr", MRRGraph, nil)
}

// NewMovingMRRMetric returns an exponentially moving average of the batch
// reciprocal rank, used during training.
func NewMovingMRRMetric() metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(
		"Moving Average Reciprocal Rank", "~mrr", "mrr", MRRGraph, nil, 0.01)
}
