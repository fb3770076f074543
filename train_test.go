package cgat

import (
	"encoding/json"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// setSmallTrainParams shrinks the model and the training run so the tests
// finish in seconds on the 6-node test graph.
func setSmallTrainParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamMaxDegree:  4,
		ParamNumWalks:   4,
		ParamWalkLength: 3,
		ParamVocabSize:  8,
		ParamBatchSize:  16,
		ParamEpochs:     2,

		gnn.ParamNumSamples1:  3,
		gnn.ParamNumSamples2:  2,
		gnn.ParamDim1:         8,
		gnn.ParamDim2:         4,
		gnn.ParamNumHeads1:    2,
		gnn.ParamNumHeads2:    1,
		gnn.ParamIdentityDim:  4,
		gnn.ParamVaeHiddenDim: 6,
		gnn.ParamNumNegatives: 5,
	})
}

func TestSplitWalkPairs(t *testing.T) {
	pairs := make([]int32, 0, 2*200)
	for i := int32(0); i < 200; i++ {
		pairs = append(pairs, i, i+1000)
	}
	trainPairs, validPairs := splitWalkPairs(pairs)
	assert.Len(t, validPairs, 2*(200/validationFraction))
	assert.Len(t, trainPairs, 2*200-len(validPairs))

	// Deterministic across calls, so restarts see the same split.
	trainAgain, validAgain := splitWalkPairs(pairs)
	assert.Equal(t, trainPairs, trainAgain)
	assert.Equal(t, validPairs, validAgain)

	// The two sides partition the original pairs.
	seen := make(map[[2]int32]string, 200)
	collect := func(side string, flat []int32) {
		for i := 0; i < len(flat); i += 2 {
			key := [2]int32{flat[i], flat[i+1]}
			assert.Empty(t, seen[key], "pair %v on both sides", key)
			seen[key] = side
		}
	}
	collect("train", trainPairs)
	collect("validation", validPairs)
	assert.Len(t, seen, 200)

	// Tiny inputs still carve out one validation pair.
	trainPairs, validPairs = splitWalkPairs([]int32{0, 1, 2, 3})
	assert.Len(t, trainPairs, 2)
	assert.Len(t, validPairs, 2)

	// A single pair is kept for training.
	trainPairs, validPairs = splitWalkPairs([]int32{0, 1})
	assert.Len(t, trainPairs, 2)
	assert.Empty(t, validPairs)
}

func TestClampBatch(t *testing.T) {
	pairs := make([]int32, 2*5)
	assert.Equal(t, 3, clampBatch(3, pairs))
	assert.Equal(t, 5, clampBatch(128, pairs))
}

func TestTrainAndExport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model training in -short mode")
	}
	for _, model := range []string{gnn.ModelSage, gnn.ModelCgat} {
		t.Run(model, func(t *testing.T) {
			dataDir := writeTestDataDir(t)
			backend := graphtest.BuildTestBackend()
			ctx := CreateDefaultContext()
			setSmallTrainParams(ctx)
			ctx.SetParam(gnn.ParamModel, model)

			data, err := LoadGraphData(ctx, dataDir)
			require.NoError(t, err)
			require.NoError(t, Train(ctx, backend, data, ""))

			embedDir := t.TempDir()
			require.NoError(t, ExportEmbeddings(ctx, backend, data, embedDir))

			embeddings, err := tensors.Load(path.Join(embedDir, EmbeddingsTensorFile))
			require.NoError(t, err)
			dim := gnn.EmbeddingDim(ctx)
			require.NoError(t, embeddings.Shape().Check(dtypes.Float32, data.NumNodes(), dim))
			flat := tensors.CopyFlatData[float32](embeddings)
			for row := 0; row < data.NumNodes(); row++ {
				var sumSq float64
				for _, v := range flat[row*dim : (row+1)*dim] {
					sumSq += float64(v) * float64(v)
				}
				assert.InDelta(t, 1.0, sumSq, 1e-3, "embedding row %d is not L2-normalized", row)
			}

			// The CSV has a header plus one row per node, aligned with the
			// node ids file.
			csvBytes, err := os.ReadFile(path.Join(embedDir, EmbeddingsCSVFile))
			require.NoError(t, err)
			lines := strings.Split(strings.TrimRight(string(csvBytes), "\n"), "\n")
			require.Len(t, lines, data.NumNodes()+1)
			assert.True(t, strings.HasPrefix(lines[0], "node_id,v0,"))
			assert.True(t, strings.HasPrefix(lines[1], data.NodeIDs[0]+","))

			nodesBytes, err := os.ReadFile(path.Join(embedDir, EmbeddingsNodesFile))
			require.NoError(t, err)
			assert.Equal(t, strings.Join(data.NodeIDs, "\n")+"\n", string(nodesBytes))

			var meta ExportMetadata
			metaBytes, err := os.ReadFile(path.Join(embedDir, EmbeddingsMetaFile))
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(metaBytes, &meta))
			assert.Equal(t, model, meta.Model)
			assert.Equal(t, data.NumNodes(), meta.NumNodes)
			assert.Equal(t, dim, meta.EmbeddingDim)
			assert.Equal(t, len(data.Vocab), meta.VocabSize)
			assert.Greater(t, meta.GlobalStep, int64(0))
			assert.NotEmpty(t, meta.RunID)
			_, err = time.Parse(time.RFC3339, meta.ExportedAt)
			assert.NoError(t, err)
		})
	}
}

func TestCheckpointAndEval(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping model training in -short mode")
	}
	dataDir := writeTestDataDir(t)
	checkpointDir := t.TempDir()
	backend := graphtest.BuildTestBackend()

	ctx := CreateDefaultContext()
	setSmallTrainParams(ctx)
	data, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)

	// Evaluation without a checkpoint has no model to restore.
	require.ErrorContains(t, Eval(ctx, backend, data, ""), "no checkpoint directory")

	require.NoError(t, Train(ctx, backend, data, checkpointDir))
	entries, err := os.ReadDir(checkpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "no checkpoint was saved")

	// A fresh context restores the trained model from the checkpoint.
	ctx2 := CreateDefaultContext()
	setSmallTrainParams(ctx2)
	data2, err := LoadGraphData(ctx2, dataDir)
	require.NoError(t, err)
	require.NoError(t, Eval(ctx2, backend, data2, checkpointDir))
	globalStep := optimizers.GetGlobalStep(ctx2)
	assert.Greater(t, globalStep, int64(0))

	// And the restored model exports the same way a trained one does.
	embedDir := t.TempDir()
	require.NoError(t, ExportEmbeddings(ctx2, backend, data2, embedDir))
	var meta ExportMetadata
	metaBytes, err := os.ReadFile(path.Join(embedDir, EmbeddingsMetaFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.EqualValues(t, globalStep, meta.GlobalStep)
	embeddings, err := tensors.Load(path.Join(embedDir, EmbeddingsTensorFile))
	require.NoError(t, err)
	require.NoError(t, embeddings.Shape().Check(dtypes.Float32, data2.NumNodes(), gnn.EmbeddingDim(ctx2)))
}
