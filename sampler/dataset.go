package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// EdgeDataset implements train.Dataset and yields fixed-size batches of
// random-walk pairs plus one shared set of negative samples per batch.
//
// Per Yield it returns 3 input tensors and nil labels:
//
//   - sources: (Int32)[batchSize]
//   - targets: (Int32)[batchSize]
//   - negatives: (Int32)[numNegatives], drawn fresh every batch from the
//     distorted unigram distribution and shared by the whole batch.
//
// Before using it -- by calling [EdgeDataset.Yield] -- it can be configured
// with [EdgeDataset.Epochs], [EdgeDataset.Infinite] and
// [EdgeDataset.Shuffle]. The final short batch of an epoch is dropped, so
// every yielded tensor has the same shape.
//
// The dataset is re-entrant, so it can be used with data.Parallel.
type EdgeDataset struct {
	name         string
	pairs        []int32
	batchSize    int
	numNegatives int
	negatives    *NegativeSampler

	numEpochs int
	shuffle   bool

	muSample                sync.Mutex
	frozen                  bool
	currentEpoch            int
	startOfEpoch, exhausted bool

	// position indexes the next unconsumed pair, either directly into
	// pairs or through order when shuffling.
	position int

	// order is the pair permutation used when shuffling, rebuilt at the
	// start of every epoch.
	order []int32
}

// NewEdgeDataset creates an [EdgeDataset] over the flattened (source,
// target) walk pairs. Negative samples come from negatives, which is
// shared and safe for concurrent use.
func NewEdgeDataset(name string, pairs []int32, batchSize, numNegatives int, negatives *NegativeSampler) *EdgeDataset {
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		Panicf("NewEdgeDataset(%q): pairs must be non-empty and flattened as (source, target) pairs, got %d values",
			name, len(pairs))
	}
	if batchSize <= 0 || batchSize > len(pairs)/2 {
		Panicf("NewEdgeDataset(%q): batchSize=%d invalid for %d pairs", name, batchSize, len(pairs)/2)
	}
	if numNegatives <= 0 {
		Panicf("NewEdgeDataset(%q): numNegatives=%d, must be > 0", name, numNegatives)
	}
	if negatives == nil {
		Panicf("NewEdgeDataset(%q): negatives sampler is nil", name)
	}
	return &EdgeDataset{
		name:         name,
		pairs:        pairs,
		batchSize:    batchSize,
		numNegatives: numNegatives,
		negatives:    negatives,
		numEpochs:    1,
		startOfEpoch: true,
	}
}

// NumPairs available for training.
func (ds *EdgeDataset) NumPairs() int { return len(ds.pairs) / 2 }

// BatchSize of the yielded tensors.
func (ds *EdgeDataset) BatchSize() int { return ds.batchSize }

// StepsPerEpoch is the number of batches one epoch yields.
func (ds *EdgeDataset) StepsPerEpoch() int { return ds.NumPairs() / ds.batchSize }

// Epochs configures the dataset to yield those many epochs. Default is 1.
// It returns itself to allow cascading configuration calls.
func (ds *EdgeDataset) Epochs(n int) *EdgeDataset {
	if ds.frozen {
		Panicf("cannot change an EdgeDataset that has already started yielding results")
	}
	if n <= 0 {
		Panicf("for EdgeDataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to yield looping over epochs
// indefinitely. Default is 1 epoch.
func (ds *EdgeDataset) Infinite() *EdgeDataset {
	if ds.frozen {
		Panicf("cannot change an EdgeDataset that has already started yielding results")
	}
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the pairs before yielding.
// It is reshuffled at every new epoch, resulting in sampling without
// replacement.
func (ds *EdgeDataset) Shuffle() *EdgeDataset {
	if ds.frozen {
		Panicf("cannot change an EdgeDataset that has already started yielding results")
	}
	ds.shuffle = true
	return ds
}

var _ train.Dataset = &EdgeDataset{}

// Name implements train.Dataset.
func (ds *EdgeDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset after it has
// been exhausted.
func (ds *EdgeDataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. The returned spec is the dataset itself.
func (ds *EdgeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()

	spec = ds
	if ds.exhausted {
		err = io.EOF
		return
	}
	ds.frozen = true
	if ds.startOfEpoch {
		ds.startEpoch()
	}
	if ds.position+ds.batchSize > ds.NumPairs() {
		// Not enough pairs left for a full batch: the epoch is done.
		ds.epochFinished()
		if ds.exhausted {
			err = io.EOF
			return
		}
		ds.startEpoch()
	}

	sources := tensors.FromScalarAndDimensions(int32(0), ds.batchSize)
	targets := tensors.FromScalarAndDimensions(int32(0), ds.batchSize)
	negatives := tensors.FromScalarAndDimensions(int32(0), ds.numNegatives)
	tensors.MutableFlatData[int32](sources, func(srcData []int32) {
		tensors.MutableFlatData[int32](targets, func(tgtData []int32) {
			for ii := range ds.batchSize {
				pairIdx := ds.position + ii
				if ds.order != nil {
					pairIdx = int(ds.order[pairIdx])
				}
				srcData[ii] = ds.pairs[2*pairIdx]
				tgtData[ii] = ds.pairs[2*pairIdx+1]
			}
		})
	})
	ds.position += ds.batchSize
	tensors.MutableFlatData[int32](negatives, func(negData []int32) {
		ds.negatives.Sample(negData)
	})
	inputs = []*tensors.Tensor{sources, targets, negatives}
	return
}

// startEpoch resets the position counter and reshuffles where required.
func (ds *EdgeDataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if !ds.shuffle {
		return
	}
	if ds.order == nil {
		ds.order = make([]int32, ds.NumPairs())
		for ii := range ds.order {
			ds.order[ii] = int32(ii)
		}
	}
	for ii := range ds.order {
		jj := rand.IntN(len(ds.order))
		ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
	}
}

func (ds *EdgeDataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}

// NodeDataset implements train.Dataset and iterates every node index once,
// in order, for whole-graph embedding export.
//
// Per Yield it returns 1 input tensor, nodes (Int32)[batchSize], and nil
// labels. The final batch is padded by repeating the last node index;
// [NodeDataset.ValidInLastBatch] tells how many rows of it are real.
type NodeDataset struct {
	name      string
	numNodes  int
	batchSize int

	mu       sync.Mutex
	position int
}

// NewNodeDataset creates a [NodeDataset] over nodes 0 to numNodes-1.
func NewNodeDataset(name string, numNodes, batchSize int) *NodeDataset {
	if numNodes <= 0 {
		Panicf("NewNodeDataset(%q): numNodes=%d, must be > 0", name, numNodes)
	}
	if batchSize <= 0 {
		Panicf("NewNodeDataset(%q): batchSize=%d, must be > 0", name, batchSize)
	}
	return &NodeDataset{name: name, numNodes: numNodes, batchSize: batchSize}
}

var _ train.Dataset = &NodeDataset{}

// Name implements train.Dataset.
func (ds *NodeDataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *NodeDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
}

// NumBatches one pass yields.
func (ds *NodeDataset) NumBatches() int {
	return (ds.numNodes + ds.batchSize - 1) / ds.batchSize
}

// ValidInLastBatch is the number of non-padded rows in the final batch.
func (ds *NodeDataset) ValidInLastBatch() int {
	valid := ds.numNodes % ds.batchSize
	if valid == 0 {
		valid = ds.batchSize
	}
	return valid
}

// Yield implements train.Dataset. The returned spec is the dataset itself.
func (ds *NodeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	spec = ds
	if ds.position >= ds.numNodes {
		err = io.EOF
		return
	}
	nodes := tensors.FromScalarAndDimensions(int32(0), ds.batchSize)
	tensors.MutableFlatData[int32](nodes, func(data []int32) {
		for ii := range ds.batchSize {
			idx := ds.position + ii
			if idx >= ds.numNodes {
				idx = ds.numNodes - 1
			}
			data[ii] = int32(idx)
		}
	})
	ds.position += ds.batchSize
	inputs = []*tensors.Tensor{nodes}
	return
}
