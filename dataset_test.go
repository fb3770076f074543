package cgat

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestDataDir writes a 6-node ring n0--n1--...--n5--n0 into a fresh
// directory, with a bag-of-words text on every edge but n4--n5, and 3
// features per node.
func writeTestDataDir(t *testing.T) string {
	dataDir := t.TempDir()
	files := map[string]string{
		NodesFile: "n0\nn1\nn2\nn3\nn4\nn5\n",
		EdgesFile: "n0,n1,alpha beta\n" +
			"n1,n2,beta gamma\n" +
			"n2,n3,alpha\n" +
			"n3,n4,delta beta\n" +
			"n4,n5\n" +
			"n5,n0,gamma gamma\n",
		FeaturesFile: "0.1,0.2,0.3\n" +
			"1,0,0\n" +
			"0,1,0\n" +
			"0,0,1\n" +
			"0.5,0.5,0\n" +
			"-1,2,-3\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(path.Join(dataDir, name), []byte(content), 0644))
	}
	return dataDir
}

func setSmallDataParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamMaxDegree:  4,
		ParamNumWalks:   3,
		ParamWalkLength: 3,
		ParamVocabSize:  3,
	})
}

func TestLoadGraphData(t *testing.T) {
	dataDir := writeTestDataDir(t)
	ctx := context.New()
	setSmallDataParams(ctx)

	data, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)
	fmt.Printf("loaded: %s\n", data)

	assert.Equal(t, 6, data.NumNodes())
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4", "n5"}, data.NodeIDs)
	assert.EqualValues(t, 2, data.NodeToIndex["n2"])

	// Every CSV row becomes two directed edges sharing one content row; the
	// ring has degree 2 everywhere.
	assert.EqualValues(t, 6, data.Sampler.NumEdges)
	assert.EqualValues(t, []int32{2, 2, 2, 2, 2, 2}, data.Sampler.Degrees())

	// Features get an all-zero padding row appended.
	assert.Equal(t, 3, data.FeatureDim())
	require.NoError(t, data.Features.Shape().Check(dtypes.Float32, 7, 3))
	features := tensors.CopyFlatData[float32](data.Features)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, features[:3])
	assert.Equal(t, []float32{0, 0, 0}, features[6*3:])

	// Vocabulary: most frequent first, ties broken lexicographically, capped
	// at vocab_size=3 ("delta" falls out), and saved back.
	assert.Equal(t, []string{"beta", "gamma", "alpha"}, data.Vocab)
	vocabBytes, err := os.ReadFile(path.Join(dataDir, VocabFile))
	require.NoError(t, err)
	assert.Equal(t, "beta\ngamma\nalpha\n", string(vocabBytes))

	// Bag-of-words rows are indexed by the edge content row, plus one zero
	// padding row.
	require.NoError(t, data.EdgeBow.Shape().Check(dtypes.Float32, 7, 3))
	bow := tensors.CopyFlatData[float32](data.EdgeBow)
	assert.Equal(t, []float32{1, 0, 1}, bow[0:3], `"alpha beta"`)
	assert.Equal(t, []float32{1, 0, 0}, bow[3*3:3*3+3], `"delta beta", "delta" out of vocabulary`)
	assert.Equal(t, []float32{0, 0, 0}, bow[4*3:4*3+3], "edge without text")
	assert.Equal(t, []float32{0, 2, 0}, bow[5*3:5*3+3], `"gamma gamma"`)
	assert.Equal(t, []float32{0, 0, 0}, bow[6*3:], "padding row")

	// Walks were generated, stay inside the graph and were saved back.
	require.NotEmpty(t, data.WalkPairs)
	require.Zero(t, len(data.WalkPairs)%2)
	for _, idx := range data.WalkPairs {
		assert.GreaterOrEqual(t, idx, int32(0))
		assert.Less(t, idx, int32(6))
	}
	assert.FileExists(t, path.Join(dataDir, WalksFile))

	// Derived artifacts are cached for the next load.
	assert.FileExists(t, path.Join(dataDir, samplerCacheFile))
	assert.FileExists(t, path.Join(dataDir, featuresCacheFile))
	assert.FileExists(t, path.Join(dataDir, bowCacheFile))
}

func TestLoadGraphDataReload(t *testing.T) {
	dataDir := writeTestDataDir(t)
	ctx := context.New()
	setSmallDataParams(ctx)
	data, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)

	// A second load round-trips through the caches and the saved files.
	reloaded, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)
	assert.Equal(t, data.NodeIDs, reloaded.NodeIDs)
	assert.Equal(t, data.Vocab, reloaded.Vocab)
	assert.Equal(t, data.WalkPairs, reloaded.WalkPairs)
	assert.Equal(t, data.Sampler.AdjTargets, reloaded.Sampler.AdjTargets)
	assert.Equal(t, data.Sampler.AdjContent, reloaded.Sampler.AdjContent)

	// walks.txt is authoritative: edits are picked up.
	f, err := os.OpenFile(path.Join(dataDir, WalksFile), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("n0 n3\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	edited, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)
	require.Len(t, edited.WalkPairs, len(data.WalkPairs)+2)
	assert.Equal(t, []int32{0, 3}, edited.WalkPairs[len(edited.WalkPairs)-2:])
}

func TestLoadGraphDataGzip(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dataDir, NodesFile), []byte("a\nb\nc\n"), 0644))
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("a,b\nb,c\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path.Join(dataDir, EdgesFile+".gz"), buf.Bytes(), 0644))

	ctx := context.New()
	ctx.SetParams(map[string]any{ParamNumWalks: 2, ParamWalkLength: 2})
	data, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)
	assert.Equal(t, 3, data.NumNodes())
	assert.EqualValues(t, 2, data.Sampler.NumEdges)

	// No features file and no edge texts: the optional tables stay nil.
	assert.Nil(t, data.Features)
	assert.Zero(t, data.FeatureDim())
	assert.Nil(t, data.EdgeBow)
	assert.Empty(t, data.Vocab)
	require.NotEmpty(t, data.WalkPairs)
}

func TestLoadGraphDataErrors(t *testing.T) {
	ctx := context.New()

	t.Run("duplicate node id", func(t *testing.T) {
		dataDir := t.TempDir()
		require.NoError(t, os.WriteFile(path.Join(dataDir, NodesFile), []byte("a\nb\na\n"), 0644))
		_, err := LoadGraphData(ctx, dataDir)
		require.ErrorContains(t, err, "duplicate node id")
	})

	t.Run("unknown node in edges", func(t *testing.T) {
		dataDir := t.TempDir()
		require.NoError(t, os.WriteFile(path.Join(dataDir, NodesFile), []byte("a\nb\n"), 0644))
		require.NoError(t, os.WriteFile(path.Join(dataDir, EdgesFile), []byte("a,zzz\n"), 0644))
		_, err := LoadGraphData(ctx, dataDir)
		require.ErrorContains(t, err, `unknown node "zzz"`)
	})

	t.Run("missing edges file", func(t *testing.T) {
		dataDir := t.TempDir()
		require.NoError(t, os.WriteFile(path.Join(dataDir, NodesFile), []byte("a\nb\n"), 0644))
		_, err := LoadGraphData(ctx, dataDir)
		require.ErrorContains(t, err, EdgesFile)
	})

	t.Run("features row count mismatch", func(t *testing.T) {
		dataDir := t.TempDir()
		require.NoError(t, os.WriteFile(path.Join(dataDir, NodesFile), []byte("a\nb\n"), 0644))
		require.NoError(t, os.WriteFile(path.Join(dataDir, EdgesFile), []byte("a,b\n"), 0644))
		require.NoError(t, os.WriteFile(path.Join(dataDir, FeaturesFile), []byte("1,2\n"), 0644))
		_, err := LoadGraphData(ctx, dataDir)
		require.ErrorContains(t, err, "want one per node")
	})
}

func TestUploadToContext(t *testing.T) {
	dataDir := writeTestDataDir(t)
	ctx := context.New()
	setSmallDataParams(ctx)
	data, err := LoadGraphData(ctx, dataDir)
	require.NoError(t, err)

	data.UploadToContext(ctx)
	wantShapes := map[string][]int{
		gnn.VarAdjacencyTargets: {7, 4},
		gnn.VarAdjacencyContent: {7, 4},
		gnn.VarFeatures:         {7, 3},
		gnn.VarEdgeBow:          {7, 3},
	}
	for name, dims := range wantShapes {
		v := ctx.GetVariableByScopeAndName(gnn.GraphVariablesScope, name)
		require.NotNilf(t, v, "graph variable %q was not uploaded", name)
		assert.Equal(t, dims, v.Shape().Dimensions, "graph variable %q", name)
		assert.Falsef(t, v.Trainable, "graph variable %q must be frozen", name)
	}
}
