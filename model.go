package cgat

import (
	"github.com/gomlx/cgat/gnn"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
)

// ModelGraph builds the unsupervised objective's model: the inputs are the
// batch node indices -- sources, targets and negatives, as yielded by
// [sampler.EdgeDataset] -- and the outputs are their embeddings, shaped
// `Float32[n, gnn.EmbeddingDim(ctx)]` and L2-normalized, in the same order.
//
// The three towers share every weight, so it is also usable for inference
// with the node indices to embed as the one input.
//
// It matches train.ModelFn: pair it with [gnn.SkipGramLoss].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Datasets carry no static spec.
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	g := inputs[0].Graph()
	cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()

	ctxModel := ctx.In("model")
	outputs := make([]*Node, 0, len(inputs))
	for _, nodes := range inputs {
		embeddings := gnn.NodeEmbedding(ctxModel, g, nodes)
		outputs = append(outputs, L2Normalize(embeddings, -1))
	}
	return outputs
}
