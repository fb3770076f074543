// Package sampler holds the graph store used to train unsupervised node
// embedding models: the edges in CSR form, fixed-degree adjacency tables
// for in-graph neighbor sampling, random-walk pair generation and the
// negative-sampling distribution.
//
// There are 3 phases when using it:
//
// (1) Specify the graph: node count and the directed edge list, where each
// edge carries the row index of its content (bag-of-words) in the dataset:
//
//	s := sampler.New(numNodes)
//	s.AddEdges(edges) // shaped (Int32)[n, 3]: source, target, content row.
//
// (2) Build the fixed-degree adjacency tables. Sampling must always return
// tensors of the same shape -- required by XLA -- so every node gets exactly
// maxDegree neighbor slots, filled with replacement (or a permutation when
// the degree exceeds maxDegree), and padded with the phantom node for
// degree-0 nodes:
//
//	s.BuildAdjacencyTables(maxDegree, rng)
//
// (3) Create datasets from it: [NewEdgeDataset] yields the random-walk
// pair batches used for training, [NewNodeDataset] iterates every node for
// embedding export.
//
// The store is gob-serializable with [Sampler.Save] and [Load], so the
// adjacency tables are built once per dataset and reused across runs.
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Sampler stores the graph in CSR form plus the derived fixed-degree
// adjacency tables.
//
// The padding (phantom) node index is NumNodes: it is appended after the
// real nodes, its feature and content rows are all zeros, and adjacency
// slots of degree-0 nodes point at it. See [Sampler.PaddingID].
//
// All the information kept by Sampler is available for reading, but avoid
// changing it directly, and instead use the provided methods.
type Sampler struct {
	// NumNodes registered with New. Valid node indices are 0 to NumNodes-1,
	// and NumNodes itself is the padding node.
	NumNodes int32

	// NumEdges is the number of edge content rows ingested by AddEdges (the
	// highest content row + 1; both directions of an undirected edge share
	// one row). NumEdges itself is the all-zero padding row.
	NumEdges int32

	// Starts has one entry per source node (shifted by 1): it points to the
	// start of the list of target nodes that this source node is connected
	// to. So for source node `i`, the edges start at `Starts[i-1]` and end
	// at `Starts[i]`, except if `i == 0` in which case the start is at 0.
	Starts []int32

	// EdgeTargets lists target nodes ordered by source node. The source
	// node for each edge is given by Starts above.
	EdgeTargets []int32

	// EdgeContent holds, aligned with EdgeTargets, the content row index of
	// each edge. Both directions of an undirected edge share one row.
	EdgeContent []int32

	// MaxDegree of the adjacency tables, set by BuildAdjacencyTables.
	MaxDegree int

	// AdjTargets and AdjContent are the flattened [NumNodes+1, MaxDegree]
	// adjacency tables: neighbor ids and the aligned content row ids.
	// A slot is padding in one iff it is padding in the other.
	AdjTargets []int32
	AdjContent []int32

	// Frozen is set once adjacency tables are built or a dataset is
	// created; the graph can no longer be changed.
	Frozen bool
}

// New creates a Sampler for a graph with numNodes nodes.
//
// After creating it, use AddEdges to register the edge list and
// BuildAdjacencyTables before creating datasets.
func New(numNodes int) *Sampler {
	if numNodes <= 0 {
		Panicf("sampler.New(numNodes=%d): numNodes must be > 0", numNodes)
	}
	if numNodes >= math.MaxInt32 {
		Panicf("sampler uses int32 indices, but %d nodes were given", numNodes)
	}
	return &Sampler{NumNodes: int32(numNodes)}
}

// AddEdges registers the directed edge list.
//
// The edges tensor must be shaped `(Int32)[n, 3]`: each row holds the
// source node, the target node and the content row index of the edge (the
// row of its bag-of-words in the dataset; both directions of an undirected
// edge repeat the same content row). Its contents are changed in place --
// rows are sorted by source node -- but no information is lost.
//
// It can only be called once, before the sampler is frozen.
func (s *Sampler) AddEdges(edges *tensors.Tensor) {
	if s.Frozen {
		Panicf("Sampler is frozen (adjacency tables were already built), it can no longer be changed")
	}
	if len(s.Starts) != 0 {
		Panicf("Sampler.AddEdges can only be called once")
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 3 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdges(): it must be shaped like (Int32)[n, 3]",
			edges.Shape())
	}

	numEdges := int32(edges.Shape().Dimensions[0])
	tensors.MutableFlatData[int32](edges, func(edgesData []int32) {
		sort.Sort(&triplesToSort{data: edgesData})

		s.NumEdges = 0
		s.Starts = make([]int32, s.NumNodes)
		s.EdgeTargets = make([]int32, numEdges)
		s.EdgeContent = make([]int32, numEdges)
		currentSourceIdx := int32(0)
		for row := int32(0); row < numEdges; row++ {
			sourceIdx := edgesData[row*3]
			targetIdx := edgesData[row*3+1]
			contentIdx := edgesData[row*3+2]
			if sourceIdx < 0 || sourceIdx >= s.NumNodes {
				Panicf("edge row %d has source node %d, valid nodes are 0 to %d",
					row, sourceIdx, s.NumNodes-1)
			}
			if targetIdx < 0 || targetIdx >= s.NumNodes {
				Panicf("edge row %d has target node %d, valid nodes are 0 to %d",
					row, targetIdx, s.NumNodes-1)
			}
			if contentIdx < 0 {
				Panicf("edge row %d has negative content row %d", row, contentIdx)
			}
			s.NumEdges = max(s.NumEdges, contentIdx+1)
			s.EdgeTargets[row] = targetIdx
			s.EdgeContent[row] = contentIdx
			for currentSourceIdx < sourceIdx {
				s.Starts[currentSourceIdx] = row
				currentSourceIdx++
			}
		}
		for ; currentSourceIdx < s.NumNodes; currentSourceIdx++ {
			s.Starts[currentSourceIdx] = numEdges
		}
	})
}

// triplesToSort sorts (source, target, content) rows by source node.
type triplesToSort struct {
	data []int32
}

func (p *triplesToSort) Len() int           { return len(p.data) / 3 }
func (p *triplesToSort) Less(i, j int) bool { return p.data[i*3] < p.data[j*3] }
func (p *triplesToSort) Swap(i, j int) {
	for column := 0; column < 3; column++ {
		p.data[i*3+column], p.data[j*3+column] = p.data[j*3+column], p.data[i*3+column]
	}
}

// EdgeTargetsForSourceIdx returns a slice with the target nodes of the
// given source node. Don't modify the returned slice, it's in use by the
// Sampler -- make a copy if you need to modify.
func (s *Sampler) EdgeTargetsForSourceIdx(srcIdx int32) []int32 {
	start, end := s.edgeRange(srcIdx)
	return s.EdgeTargets[start:end]
}

// EdgeContentForSourceIdx returns a slice with the content row ids of the
// edges of the given source node, aligned with EdgeTargetsForSourceIdx.
func (s *Sampler) EdgeContentForSourceIdx(srcIdx int32) []int32 {
	start, end := s.edgeRange(srcIdx)
	return s.EdgeContent[start:end]
}

func (s *Sampler) edgeRange(srcIdx int32) (start, end int32) {
	if srcIdx < 0 || int(srcIdx) >= len(s.Starts) {
		Panicf("invalid source node index %d (sampler has %d nodes)", srcIdx, len(s.Starts))
	}
	if srcIdx > 0 {
		start = s.Starts[srcIdx-1]
	}
	end = s.Starts[srcIdx]
	return
}

// Degree of the given node.
func (s *Sampler) Degree(nodeIdx int32) int32 {
	start, end := s.edgeRange(nodeIdx)
	return end - start
}

// Degrees returns the degree of every node. The returned slice is newly
// allocated and owned by the caller.
func (s *Sampler) Degrees() []int32 {
	degrees := make([]int32, s.NumNodes)
	var start int32
	for i, end := range s.Starts {
		degrees[i] = end - start
		start = end
	}
	return degrees
}

// PaddingID is the phantom node index used to fill adjacency slots of
// degree-0 nodes. Feature and embedding tables must reserve a zero row
// for it.
func (s *Sampler) PaddingID() int32 { return s.NumNodes }

// PaddingContentID is the content row index used for padding adjacency
// slots. The bag-of-words table must reserve an all-zero row for it.
func (s *Sampler) PaddingContentID() int32 { return s.NumEdges }

// RandIntN mirrors math/rand/v2 rand.IntN, so adjacency building can be
// seeded for reproducible tables.
type RandIntN interface {
	IntN(n int) int
}

// BuildAdjacencyTables materializes the [NumNodes+1, MaxDegree] neighbor
// and content tables and freezes the sampler.
//
// Each node with degree >= 1 gets exactly maxDegree slots: sampled with
// replacement when its degree is below maxDegree, or without replacement
// otherwise, so a uniformly drawn slot is a uniformly drawn neighbor.
// Degree-0 nodes and the final phantom row are filled with the padding
// ids.
func (s *Sampler) BuildAdjacencyTables(maxDegree int, rng RandIntN) {
	if maxDegree <= 0 {
		Panicf("BuildAdjacencyTables(maxDegree=%d): maxDegree must be > 0", maxDegree)
	}
	if len(s.Starts) == 0 {
		Panicf("BuildAdjacencyTables called before AddEdges")
	}
	s.Frozen = true
	s.MaxDegree = maxDegree
	rows := int(s.NumNodes) + 1
	s.AdjTargets = make([]int32, rows*maxDegree)
	s.AdjContent = make([]int32, rows*maxDegree)
	for i := range s.AdjTargets {
		s.AdjTargets[i] = s.PaddingID()
		s.AdjContent[i] = s.PaddingContentID()
	}

	slots := make([]int32, maxDegree)
	for node := int32(0); node < s.NumNodes; node++ {
		targets := s.EdgeTargetsForSourceIdx(node)
		content := s.EdgeContentForSourceIdx(node)
		degree := len(targets)
		if degree == 0 {
			continue
		}
		base := int(node) * maxDegree
		if degree <= maxDegree {
			// Fill with replacement: every neighbor keeps uniform odds.
			for col := 0; col < maxDegree; col++ {
				k := rng.IntN(degree)
				s.AdjTargets[base+col] = targets[k]
				s.AdjContent[base+col] = content[k]
			}
		} else {
			randKOfN(slots, degree, rng)
			for col, k := range slots {
				s.AdjTargets[base+col] = targets[k]
				s.AdjContent[base+col] = content[k]
			}
		}
	}
}

// randKOfN stores k=len(values) random values without replacement out of
// `0..n-1` in values.
func randKOfN(values []int32, n int, rng RandIntN) {
	k := len(values)
	if k*k < n {
		randKOfNLinear(values, n, rng)
	} else {
		randKOfNReservoir(values, n, rng)
	}
}

// randKOfNLinear draws checking against previous choices: O(k^2), faster
// than hashing for the small k used here.
func randKOfNLinear(values []int32, n int, rng RandIntN) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(rng.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(values []int32, n int, rng RandIntN) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rng.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// AdjacencyTensors returns the adjacency tables as `(Int32)[NumNodes+1,
// MaxDegree]` tensors, ready to be uploaded as frozen model variables.
func (s *Sampler) AdjacencyTensors() (targets, content *tensors.Tensor) {
	if s.AdjTargets == nil {
		Panicf("AdjacencyTensors called before BuildAdjacencyTables")
	}
	rows := int(s.NumNodes) + 1
	targets = tensors.FromFlatDataAndDimensions(s.AdjTargets, rows, s.MaxDegree)
	content = tensors.FromFlatDataAndDimensions(s.AdjContent, rows, s.MaxDegree)
	return
}

// String returns a multi-line informative description of the graph store.
func (s *Sampler) String() string {
	parts := make([]string, 0, 3)
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %s nodes, %s directed edges%s",
		humanize.Comma(int64(s.NumNodes)), humanize.Comma(int64(len(s.EdgeTargets))), frozenDesc))
	parts = append(parts, fmt.Sprintf("\t%s edge content rows", humanize.Comma(int64(s.NumEdges))))
	if s.MaxDegree > 0 {
		parts = append(parts, fmt.Sprintf("\tadjacency tables: [%s, %d]",
			humanize.Comma(int64(s.NumNodes)+1), s.MaxDegree))
	}
	return strings.Join(parts, "\n")
}

func initGob() {
	gob.Register(&Sampler{})
}

// Save the Sampler: it includes the edges and adjacency tables, so it can
// be reloaded ready to go.
func (s *Sampler) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save Sampler", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(s)
	if err != nil {
		err = errors.WithMessagef(err, "encoding Sampler to save to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "closing %q, where Sampler was saved", filePath)
		return
	}
	return
}

// Load a previously saved Sampler.
// If filePath doesn't exist, it returns an error that can be checked with
// [os.IsNotExist].
func Load(filePath string) (s *Sampler, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "trying to load Sampler from %q", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	s = &Sampler{}
	err = dec.Decode(s)
	if err != nil {
		s = nil
		err = errors.Wrapf(err, "trying to decode Sampler from %q", filePath)
		return
	}
	_ = f.Close()
	return
}
