package sampler

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNegatives() *NegativeSampler {
	return NewNegativeSampler([]int32{2, 1, 2, 1, 0}, 0.75)
}

func yieldPairs(t *testing.T, ds *EdgeDataset) (sources, targets, negatives []int32) {
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Same(t, ds, spec)
	require.Nil(t, labels)
	require.Len(t, inputs, 3)
	sources = tensors.CopyFlatData[int32](inputs[0])
	targets = tensors.CopyFlatData[int32](inputs[1])
	negatives = tensors.CopyFlatData[int32](inputs[2])
	return
}

func TestEdgeDataset(t *testing.T) {
	pairs := []int32{0, 1, 1, 0, 2, 3, 3, 2, 0, 2} // 5 pairs.
	ds := NewEdgeDataset("train", pairs, 2, 3, testNegatives())
	assert.Equal(t, 5, ds.NumPairs())
	assert.Equal(t, 2, ds.StepsPerEpoch())
	assert.Equal(t, "train", ds.Name())

	// Without shuffling, batches come in order; the 5th pair is dropped.
	sources, targets, negatives := yieldPairs(t, ds)
	assert.EqualValues(t, []int32{0, 1}, sources)
	assert.EqualValues(t, []int32{1, 0}, targets)
	assert.Len(t, negatives, 3)
	for _, neg := range negatives {
		assert.GreaterOrEqual(t, neg, int32(0))
		assert.Less(t, neg, int32(5))
		assert.NotEqual(t, int32(4), neg, "degree-0 node drawn as negative")
	}

	sources, targets, _ = yieldPairs(t, ds)
	assert.EqualValues(t, []int32{2, 3}, sources)
	assert.EqualValues(t, []int32{3, 2}, targets)

	_, _, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err, "exhausted dataset must keep returning EOF")

	// Reset restarts from the top.
	ds.Reset()
	sources, _, _ = yieldPairs(t, ds)
	assert.EqualValues(t, []int32{0, 1}, sources)

	// Frozen after first Yield.
	assert.Panics(t, func() { ds.Shuffle() })
	assert.Panics(t, func() { ds.Epochs(2) })
	assert.Panics(t, func() { ds.Infinite() })
}

func TestEdgeDatasetEpochsAndShuffle(t *testing.T) {
	pairs := []int32{0, 1, 1, 0, 2, 3, 3, 2} // 4 pairs.
	ds := NewEdgeDataset("train", pairs, 2, 1, testNegatives()).Epochs(3).Shuffle()

	type pair [2]int32
	want := map[pair]bool{{0, 1}: true, {1, 0}: true, {2, 3}: true, {3, 2}: true}
	for epoch := range 3 {
		seen := make(map[pair]int)
		for step := 0; step < 2; step++ {
			sources, targets, _ := yieldPairs(t, ds)
			for i := range sources {
				p := pair{sources[i], targets[i]}
				assert.True(t, want[p], "epoch %d yielded unknown pair %v", epoch, p)
				seen[p]++
			}
		}
		// Shuffling is without replacement: one epoch covers each pair once.
		assert.Len(t, seen, 4, "epoch %d missed pairs: %v", epoch, seen)
	}
	_, _, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestEdgeDatasetInfinite(t *testing.T) {
	pairs := []int32{0, 1, 1, 0}
	ds := NewEdgeDataset("train", pairs, 2, 1, testNegatives()).Infinite()
	for range 10 {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
}

func TestNodeDataset(t *testing.T) {
	ds := NewNodeDataset("export", 5, 2)
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, 1, ds.ValidInLastBatch())

	var batches [][]int32
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Same(t, ds, spec)
		require.Nil(t, labels)
		require.Len(t, inputs, 1)
		batches = append(batches, tensors.CopyFlatData[int32](inputs[0]))
	}
	require.Len(t, batches, 3)
	assert.EqualValues(t, []int32{0, 1}, batches[0])
	assert.EqualValues(t, []int32{2, 3}, batches[1])
	assert.EqualValues(t, []int32{4, 4}, batches[2], "last batch pads with the final node")

	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.EqualValues(t, []int32{0, 1}, tensors.CopyFlatData[int32](inputs[0]))
}
