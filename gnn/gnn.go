// Package gnn implements the three unsupervised graph encoders: "sage", a
// GraphSAGE mean aggregator, "gat", a multi-head graph attention encoder, and
// "cgat", a channel-aware attention encoder that gates each attention head
// with a topic channel inferred from the text attached to the traversed edge.
//
// The entry point is NodeEmbedding: given a batch of seed nodes it samples a
// multi-hop support pyramid from the frozen adjacency tables (uploaded to the
// context by the data loader, see GraphData.UploadToContext in the root
// package) and aggregates the pyramid back into one embedding per seed. All
// hyperparameters are read from the context, see the `Param...` constants.
package gnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	// ParamModel selects the encoder: "sage" (default), "gat" or "cgat".
	ParamModel = "model"

	// ParamNumSamples1 is the number of neighbors sampled per node at the
	// deepest hop of the support pyramid. Default is 25.
	ParamNumSamples1 = "num_samples_1"

	// ParamNumSamples2 is the number of neighbors sampled per seed node.
	// Default is 10.
	ParamNumSamples2 = "num_samples_2"

	// ParamDim1 is the output dimension (per head, for the attention models)
	// of the first aggregation layer. Default is 128.
	ParamDim1 = "dim_1"

	// ParamDim2 is the output dimension of the second (last) aggregation
	// layer. Default is 128. Notice "sage" concatenates a self and a
	// neighborhood projection per layer, so its final embedding is 2x this.
	ParamDim2 = "dim_2"

	// ParamNumHeads1 is the number of attention heads of the first layer,
	// used by "gat" and "cgat". Default is 8.
	ParamNumHeads1 = "num_heads_1"

	// ParamNumHeads2 is the number of attention heads of the last layer.
	// Default is 1.
	ParamNumHeads2 = "num_heads_2"

	// ParamNumNegatives is the number of negative nodes sampled per batch for
	// the skip-gram loss. Default is 20.
	ParamNumNegatives = "num_negatives"

	// ParamNegSampleDistortion is the exponent applied to node degrees when
	// building the negative-sampling distribution. Default is 0.75.
	ParamNegSampleDistortion = "neg_sample_distortion"

	// ParamIdentityDim is the width of a trainable per-node embedding table
	// used as (or concatenated to) the input features. 0 disables it, and
	// then a features file is required. Default is 64.
	ParamIdentityDim = "identity_dim"

	// ParamDropout is the feed-forward dropout rate used by all encoders.
	// Default is 0.2.
	ParamDropout = "dropout"

	// ParamAttnDropout is the dropout rate applied to attention coefficients
	// by "gat" and "cgat". Default is 0.2.
	ParamAttnDropout = "attn_dropout"

	// ParamVaeDropout is the dropout rate used inside the channel VAE of
	// "cgat". Default is 0.2.
	ParamVaeDropout = "vae_dropout"

	// ParamVaeHiddenDim is the width of the channel VAE encoder's hidden
	// layers. Default is 100.
	ParamVaeHiddenDim = "vae_hidden_dim"
)

// Valid values for ParamModel.
const (
	ModelSage = "sage"
	ModelGat  = "gat"
	ModelCgat = "cgat"
)

// Names of the frozen graph tables the data loader uploads to the context,
// all under GraphVariablesScope. The adjacency pair is always present; the
// features and edge bag-of-words tables depend on the data directory.
const (
	// GraphVariablesScope is the absolute context scope of the graph tables.
	GraphVariablesScope = "/graph"

	// VarAdjacencyTargets is Int32 shaped [numNodes+1, maxDegree]: neighbor
	// ids per node, padded with the phantom node numNodes.
	VarAdjacencyTargets = "adjacency_targets"

	// VarAdjacencyContent is Int32 shaped [numNodes+1, maxDegree]: the edge
	// content row aligned with each VarAdjacencyTargets slot.
	VarAdjacencyContent = "adjacency_content"

	// VarFeatures is Float32 shaped [numNodes+1, featureDim], last row zeros.
	VarFeatures = "features"

	// VarEdgeBow is Float32 shaped [numEdges+1, vocabSize], the bag-of-words
	// counts of each edge's text, last row zeros.
	VarEdgeBow = "edge_bow"
)

// ModelFromContext returns the validated encoder name from ParamModel.
func ModelFromContext(ctx *context.Context) string {
	model := context.GetParamOr(ctx, ParamModel, ModelSage)
	switch model {
	case ModelSage, ModelGat, ModelCgat:
		return model
	}
	Panicf("invalid %q parameter value %q: valid models are %q, %q and %q",
		ParamModel, model, ModelSage, ModelGat, ModelCgat)
	return ""
}

// LayerConfig describes one aggregation layer of the support pyramid.
type LayerConfig struct {
	// NumSamples of neighbors taken per node when expanding this layer's hop.
	NumSamples int

	// OutputDim of the layer, per head for the attention models.
	OutputDim int

	// NumHeads of attention, ignored by "sage".
	NumHeads int
}

// LayersFromContext returns the two-layer configuration from the context
// hyperparameters. The first entry expands the deepest hop.
func LayersFromContext(ctx *context.Context) []LayerConfig {
	return []LayerConfig{
		{
			NumSamples: context.GetParamOr(ctx, ParamNumSamples1, 25),
			OutputDim:  context.GetParamOr(ctx, ParamDim1, 128),
			NumHeads:   context.GetParamOr(ctx, ParamNumHeads1, 8),
		},
		{
			NumSamples: context.GetParamOr(ctx, ParamNumSamples2, 10),
			OutputDim:  context.GetParamOr(ctx, ParamDim2, 128),
			NumHeads:   context.GetParamOr(ctx, ParamNumHeads2, 1),
		},
	}
}

// EmbeddingDim returns the width of the embeddings produced by NodeEmbedding
// under the current hyperparameters.
func EmbeddingDim(ctx *context.Context) int {
	layersCfg := LayersFromContext(ctx)
	lastDim := layersCfg[len(layersCfg)-1].OutputDim
	if ModelFromContext(ctx) == ModelSage {
		// Each "sage" layer concatenates the self and neighborhood halves.
		return 2 * lastDim
	}
	return lastDim
}

// graphVar fetches one of the frozen graph tables as a node of g. It panics
// if the loader never uploaded it.
func graphVar(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.GetVariableByScopeAndName(GraphVariablesScope, name)
	if v == nil {
		Panicf("graph table %q not found in scope %q: upload the graph data to the context before building the model",
			name, GraphVariablesScope)
	}
	return v.ValueGraph(g)
}

// HasGraphVar reports whether the data loader uploaded the given graph table.
func HasGraphVar(ctx *context.Context, name string) bool {
	return ctx.GetVariableByScopeAndName(GraphVariablesScope, name) != nil
}

// SampleNeighbors picks numSamples neighbors for each of the given nodes,
// uniformly over the slots of the frozen adjacency tables. Nodes with degree
// zero (and the phantom padding node) only ever yield padding neighbors.
//
// nodes must be Int32 shaped [batch]. It returns the sampled neighbor ids and
// the content rows of the traversed edges, both Int32 shaped
// [batch, numSamples]. Randomness comes from the context RNG state, so runs
// are reproducible given the seed.
func SampleNeighbors(ctx *context.Context, g *Graph, nodes *Node, numSamples int) (neighbors, edgeRows *Node) {
	adjTargets := graphVar(ctx, g, VarAdjacencyTargets)
	adjContent := graphVar(ctx, g, VarAdjacencyContent)
	maxDegree := adjTargets.Shape().Dimensions[1]
	batchSize := nodes.Shape().Dimensions[0]

	// One uniform column pick per (node, sample) slot.
	cols := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize, numSamples))
	cols = ConvertDType(MulScalar(cols, float64(maxDegree)), dtypes.Int32)

	flat := Add(MulScalar(InsertAxes(nodes, -1), float64(maxDegree)), cols)
	neighbors = Gather(Reshape(adjTargets, -1), InsertAxes(flat, -1))
	edgeRows = Gather(Reshape(adjContent, -1), InsertAxes(flat, -1))
	return
}

// InputFeatures builds the hop-0 states of the given nodes: the frozen
// feature rows, a trainable per-node embedding (ParamIdentityDim wide), or
// both concatenated, embedding first. The padding node maps to the zero
// feature row; its embedding row exists but only ever multiplies zeros
// downstream.
//
// nodes must be Int32 shaped [batch]; the result is Float32
// [batch, featureDim].
func InputFeatures(ctx *context.Context, g *Graph, nodes *Node) *Node {
	identityDim := context.GetParamOr(ctx, ParamIdentityDim, 64)
	var parts []*Node
	if identityDim > 0 {
		numRows := graphVar(ctx, g, VarAdjacencyTargets).Shape().Dimensions[0]
		ctxEmbed := ctx.In("node_embeddings").
			WithInitializer(initializers.RandomUniformFn(ctx, -0.05, 0.05))
		parts = append(parts, layers.Embedding(ctxEmbed, nodes, dtypes.Float32, numRows, identityDim))
	}
	if HasGraphVar(ctx, VarFeatures) {
		features := graphVar(ctx, g, VarFeatures)
		parts = append(parts, Gather(features, InsertAxes(nodes, -1)))
	}
	if len(parts) == 0 {
		Panicf("no node features available: the data directory has no features file and %q is 0", ParamIdentityDim)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, -1)
}

// NodeEmbedding runs the configured encoder over a batch of seed nodes and
// returns one embedding per seed, Float32 shaped [batch, EmbeddingDim(ctx)].
//
// seeds must be Int32 shaped [batch]. Context scopes are resolved with
// get-or-create semantics, so calling it several times on the same graph (the
// source, target and negative towers of the skip-gram loss) shares all
// weights. For "cgat" the channel VAE losses are registered on the context
// with train.AddLoss as a side effect.
func NodeEmbedding(ctx *context.Context, g *Graph, seeds *Node) *Node {
	ctx = ctx.Checked(false)
	model := ModelFromContext(ctx)
	layersCfg := LayersFromContext(ctx)

	supports, edgeRows := supportPyramid(ctx, g, seeds, layersCfg)
	hidden := make([]*Node, len(supports))
	for hop, nodes := range supports {
		hidden[hop] = InputFeatures(ctx, g, nodes)
	}

	switch model {
	case ModelSage:
		return aggregatePyramid(ctx, hidden, layersCfg, sageLayer)
	case ModelGat:
		return aggregatePyramid(ctx, hidden, layersCfg, gatLayer)
	default:
		return cgatAggregatePyramid(ctx, hidden, edgeRows, layersCfg)
	}
}

// supportPyramid samples the multi-hop neighborhood of the seeds:
// supports[h] holds the flattened node ids at hop h (hop 0 is the seeds
// themselves) and edgeRows[h] the content rows of the edges connecting hop
// h-1 to hop h (nil at hop 0).
//
// Hop h expands with layersCfg[len(layersCfg)-h].NumSamples neighbors per
// node, so the deepest hop uses the first layer's sample count.
func supportPyramid(ctx *context.Context, g *Graph, seeds *Node, layersCfg []LayerConfig) (supports, edgeRows []*Node) {
	numLayers := len(layersCfg)
	supports = make([]*Node, numLayers+1)
	edgeRows = make([]*Node, numLayers+1)
	supports[0] = seeds
	for hop := 1; hop <= numLayers; hop++ {
		numSamples := layersCfg[numLayers-hop].NumSamples
		neighbors, rows := SampleNeighbors(ctx, g, supports[hop-1], numSamples)
		supports[hop] = Reshape(neighbors, -1)
		edgeRows[hop] = Reshape(rows, -1)
	}
	return
}

// groupSizeForHop returns how many sampled neighbors each hop-h node
// contributed, the group size the aggregators see at that hop.
func groupSizeForHop(layersCfg []LayerConfig, hop int) int {
	return layersCfg[len(layersCfg)-1-hop].NumSamples
}

// aggregatorFn computes one aggregation step: self is [m, dIn], neigh is
// [m, groupSize, dIn], the result [m, dOut].
type aggregatorFn func(ctx *context.Context, self, neigh *Node, cfg LayerConfig, lastLayer bool) *Node

// aggregatePyramid folds the support pyramid bottom-up: at each layer every
// hop state is refreshed from its own value and its sampled neighbors' states
// one hop deeper, until only the seeds' states remain.
func aggregatePyramid(ctx *context.Context, hidden []*Node, layersCfg []LayerConfig, aggregate aggregatorFn) *Node {
	numLayers := len(layersCfg)
	for layer, cfg := range layersCfg {
		ctxLayer := ctx.In(fmt.Sprintf("layer_%d", layer))
		lastLayer := layer == numLayers-1
		next := make([]*Node, numLayers-layer)
		for hop := range next {
			groupSize := groupSizeForHop(layersCfg, hop)
			stateDim := hidden[hop+1].Shape().Dimensions[1]
			neigh := Reshape(hidden[hop+1], -1, groupSize, stateDim)
			next[hop] = aggregate(ctxLayer, hidden[hop], neigh, cfg, lastLayer)
		}
		hidden = next
	}
	return hidden[0]
}

// cgatAggregatePyramid is aggregatePyramid specialized for "cgat": at every
// (layer, hop) step a per-layer channel VAE turns the bag-of-words of the
// traversed edges into one topic weight per attention head, which then gates
// that head's attention coefficients.
func cgatAggregatePyramid(ctx *context.Context, hidden, edgeRows []*Node, layersCfg []LayerConfig) *Node {
	numLayers := len(layersCfg)
	g := hidden[0].Graph()
	bow := graphVar(ctx, g, VarEdgeBow)
	for layer, cfg := range layersCfg {
		ctxLayer := ctx.In(fmt.Sprintf("layer_%d", layer))
		lastLayer := layer == numLayers-1
		next := make([]*Node, numLayers-layer)
		for hop := range next {
			groupSize := groupSizeForHop(layersCfg, hop)
			stateDim := hidden[hop+1].Shape().Dimensions[1]
			neigh := Reshape(hidden[hop+1], -1, groupSize, stateDim)
			rows := Reshape(edgeRows[hop+1], -1, groupSize)
			edgeText := Gather(bow, InsertAxes(rows, -1))
			theta := ChannelVAE(ctxLayer.In("channel_vae"), hidden[hop], neigh, edgeText, cfg.NumHeads)
			next[hop] = cgatLayer(ctxLayer, hidden[hop], neigh, theta, cfg, lastLayer)
		}
		hidden = next
	}
	return hidden[0]
}
