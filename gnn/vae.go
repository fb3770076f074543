package gnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
)

// ChannelVAE infers a numChannels-wide topic mixture for every sampled edge
// from the edge text's bag of words, regularized towards a prior derived from
// the states of the two nodes it connects. The mixture gates the attention
// heads of cgatLayer, one channel per head.
//
// selfVecs is [m, dIn], neighVecs [m, groupSize, dIn] and bow
// [m, groupSize, vocabSize]; the returned theta is [m, groupSize,
// numChannels], rows on the simplex (up to dropout). The reconstruction and
// KL losses are registered on the context with train.AddLoss, once per call.
//
// One instance of the variables serves a whole layer: callers pass the same
// scope for every hop, and get-or-create semantics share the weights.
func ChannelVAE(ctx *context.Context, selfVecs, neighVecs, bow *Node, numChannels int) *Node {
	g := bow.Graph()
	dtype := bow.DType()
	numTopics := float64(numChannels)
	hiddenDim := context.GetParamOr(ctx, ParamVaeHiddenDim, 100)
	dropout := context.GetParamOr(ctx, ParamVaeDropout, 0.2)

	// Prior: a Dirichlet moment-matched gaussian over the pair interaction.
	pair := Mul(InsertAxes(selfVecs, 1), neighVecs)
	alpha := Exp(Softmax(layers.Dense(ctx.In("prior"), pair, false, numChannels), -1))
	logAlpha := Log(alpha)
	priorMean := Sub(logAlpha, ReduceAndKeep(logAlpha, ReduceMean, -1))
	invAlpha := Div(OnesLike(alpha), alpha)
	priorVar := Add(
		MulScalar(invAlpha, 1.0-2.0/numTopics),
		MulScalar(ReduceAndKeep(invAlpha, ReduceSum, -1), 1.0/(numTopics*numTopics)))
	priorMean = Softmax(priorMean, -1)
	priorVar = Softmax(priorVar, -1)

	// Encoder over the bag of words.
	hidden := Softplus(layers.DenseWithBias(ctx.In("encoder_0"), bow, hiddenDim))
	hidden = Softplus(layers.DenseWithBias(ctx.In("encoder_1"), hidden, hiddenDim))
	hidden = layers.DropoutStatic(ctx, hidden, dropout)
	zMean := layers.DenseWithBias(ctx.In("latent_mean"), hidden, numChannels)
	zMean = Softmax(layers.BatchNormalization(ctx.In("latent_mean_norm"), zMean, -1).Done(), -1)
	zLogVar := layers.DenseWithBias(ctx.In("latent_log_var"), hidden, numChannels)
	zLogVar = Log(Softmax(layers.BatchNormalization(ctx.In("latent_log_var_norm"), zLogVar, -1).Done(), -1))

	// Reparameterization, a single draw broadcast over the batch.
	eps := ctx.RandomNormal(g, shapes.Make(dtype, 1, 1, numChannels))
	z := Add(zMean, Mul(Sqrt(Exp(zLogVar)), eps))
	zVar := Exp(zLogVar)
	theta := layers.DropoutStatic(ctx, Softmax(z, -1), dropout)

	// Decoder: theta mixes numChannels topic-word distributions.
	betaVar := ctx.In("decoder").VariableWithShape("beta", shapes.Make(dtype, numChannels, bow.Shape().Dimensions[2]))
	beta := Softmax(layers.BatchNormalization(ctx.In("decoder_norm"), betaVar.ValueGraph(g), -1).Done(), -1)
	reconstructed := Einsum("bsk,kv->bsv", theta, beta)

	reconstruction := Neg(ReduceSum(Mul(bow, Log(AddScalar(reconstructed, 1e-10))), -1))
	train.AddLoss(ctx, ReduceAllMean(reconstruction))

	varRatio := Div(zVar, priorVar)
	meanDiff := Sub(priorMean, zMean)
	mahalanobis := Div(Mul(meanDiff, meanDiff), priorVar)
	logDet := Sub(Log(priorVar), zLogVar)
	perPair := AddScalar(ReduceSum(Add(Add(varRatio, mahalanobis), logDet), -1), -numTopics)
	train.AddLoss(ctx, MulScalar(ReduceAllMean(perPair), 0.5))

	return theta
}
