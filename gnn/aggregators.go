package gnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// elu is the exponential linear unit, the activation of all aggregation
// layers except the last one of each encoder.
func elu(x *Node) *Node {
	zeros := ZerosLike(x)
	negative := AddScalar(Exp(Min(x, zeros)), -1)
	return Where(GreaterOrEqual(x, zeros), x, negative)
}

// sageLayer is the GraphSAGE mean aggregator, concat variant: the self state
// and the mean of the neighbor states each get their own linear projection
// and the two halves are concatenated, so the output is [m, 2*cfg.OutputDim].
// Padding neighbors contribute zero vectors to the mean.
func sageLayer(ctx *context.Context, self, neigh *Node, cfg LayerConfig, lastLayer bool) *Node {
	dropout := context.GetParamOr(ctx, ParamDropout, 0.2)
	self = layers.DropoutStatic(ctx, self, dropout)
	neigh = layers.DropoutStatic(ctx, neigh, dropout)

	neighMean := ReduceMean(neigh, 1)
	fromSelf := layers.Dense(ctx.In("self_transform"), self, false, cfg.OutputDim)
	fromNeigh := layers.Dense(ctx.In("neighbors_transform"), neighMean, false, cfg.OutputDim)
	output := Concatenate([]*Node{fromSelf, fromNeigh}, -1)
	if lastLayer {
		return output
	}
	return elu(output)
}

// gatLayer runs cfg.NumHeads attention heads over each [self ; samples]
// group. Head outputs are concatenated, except on the last layer where they
// are averaged, giving [m, cfg.OutputDim] there and
// [m, cfg.NumHeads*cfg.OutputDim] everywhere else.
func gatLayer(ctx *context.Context, self, neigh *Node, cfg LayerConfig, lastLayer bool) *Node {
	heads := make([]*Node, cfg.NumHeads)
	for h := range heads {
		ctxHead := ctx.In(fmt.Sprintf("head_%d", h))
		heads[h] = attentionHead(ctxHead, self, neigh, nil, cfg.OutputDim, lastLayer)
	}
	if lastLayer {
		return averageHeads(heads)
	}
	return Concatenate(heads, -1)
}

// cgatLayer is gatLayer with two changes: each head's attention coefficients
// are gated by its channel of the VAE topic mixture theta ([m, groupSize,
// numHeads]), and heads are averaged at every layer, so the output is always
// [m, cfg.OutputDim].
func cgatLayer(ctx *context.Context, self, neigh, theta *Node, cfg LayerConfig, lastLayer bool) *Node {
	heads := make([]*Node, cfg.NumHeads)
	for h := range heads {
		ctxHead := ctx.In(fmt.Sprintf("head_%d", h))
		channel := Slice(theta, AxisRange(), AxisRange(), AxisRange(h, h+1))
		heads[h] = attentionHead(ctxHead, self, neigh, channel, cfg.OutputDim, lastLayer)
	}
	return averageHeads(heads)
}

func averageHeads(heads []*Node) *Node {
	sum := heads[0]
	for _, head := range heads[1:] {
		sum = Add(sum, head)
	}
	return DivScalar(sum, float64(len(heads)))
}

// attentionHead is one graph attention unit over the group formed by self and
// its sampled neighbors: self is [m, dIn], neigh [m, groupSize, dIn].
//
// A shared linear transform maps the group to outputDim, pairwise logits are
// the sum of a learned score per source and per attended slot, and the
// attention coefficients are the leaky-relu softmax of the self slot's row.
// channels, when not nil, multiplies the coefficients of the sampled slots
// ([m, groupSize, 1]); the self slot always passes through unscaled.
func attentionHead(ctx *context.Context, self, neigh, channels *Node, outputDim int, lastLayer bool) *Node {
	g := self.Graph()
	ffdDropout := context.GetParamOr(ctx, ParamDropout, 0.2)
	attnDropout := context.GetParamOr(ctx, ParamAttnDropout, 0.2)

	// Group [m, 1+groupSize, dIn], self first so it attends to itself too.
	group := Concatenate([]*Node{InsertAxes(self, 1), neigh}, 1)
	group = layers.DropoutStatic(ctx, group, ffdDropout)
	transformed := layers.DenseWithBias(ctx.In("features"), group, outputDim)

	// Additive attention: logits[i][j] = score(i) + score(j), same scorer.
	scores := layers.DenseWithBias(ctx.In("scores"), transformed, 1)
	logits := Add(scores, Transpose(scores, 1, 2))
	coefs := Softmax(activations.LeakyReluWithAlpha(logits, 0.2), -1)

	// Only the self slot's attention row produces output.
	coefs = Slice(coefs, AxisRange(), AxisRange(0, 1), AxisRange())
	if channels != nil {
		selfChannel := Ones(g, shapes.Make(channels.DType(), channels.Shape().Dimensions[0], 1, 1))
		gate := Concatenate([]*Node{selfChannel, channels}, 1)
		coefs = Mul(coefs, Transpose(gate, 1, 2))
	}

	coefs = layers.DropoutStatic(ctx, coefs, attnDropout)
	transformed = layers.DropoutStatic(ctx, transformed, ffdDropout)
	output := Einsum("bij,bjd->bid", coefs, transformed)
	output = Reshape(output, -1, outputDim)
	if lastLayer {
		return output
	}
	return elu(output)
}
