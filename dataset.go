// Package cgat trains unsupervised node embeddings on an edge-attributed
// graph, with the encoders of package gnn: GraphSAGE ("sage"), graph
// attention ("gat") and channel-aware graph attention ("cgat"), the latter
// using the text attached to edges to modulate attention.
//
// The expected layout of a training data directory, the training loop and
// the embedding export are documented on LoadGraphData, Train and
// ExportEmbeddings. The cmd/run_unsupervised binary wires them together.
package cgat

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/cgat/sampler"
	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files of a training data directory. NodesFile and EdgesFile are required,
// the others are optional or generated and cached on first use.
const (
	NodesFile    = "nodes.txt"
	EdgesFile    = "edges.csv"
	FeaturesFile = "features.csv"
	WalksFile    = "walks.txt"
	VocabFile    = "vocab.txt"

	featuresCacheFile = "features.tensor"
	bowCacheFile      = "bow.tensor"
	samplerCacheFile  = "sampler.bin"
)

var (
	// ParamMaxDegree is the width of the adjacency tables; node degrees are
	// capped at it when sampling. Default is 100.
	ParamMaxDegree = "max_degree"

	// ParamNumWalks is how many random walks to start per node when
	// generating walks.txt. Default is 50.
	ParamNumWalks = "num_walks"

	// ParamWalkLength is the number of steps per generated walk. Default 5.
	ParamWalkLength = "walk_length"

	// ParamVocabSize caps the vocabulary built from edge texts when
	// vocab.txt is absent. Default is 5000.
	ParamVocabSize = "vocab_size"

	// ParamBatchSize is the number of walk pairs per training step.
	// Default is 128.
	ParamBatchSize = "batch_size"

	// ParamEpochs is the number of passes over the walk pairs. Default 20.
	ParamEpochs = "epochs"
)

// GraphData is a training data directory loaded in memory: the graph with
// its adjacency tables, plus the optional node features and edge texts.
type GraphData struct {
	DataDir string

	// NodeIDs maps node index to the opaque id of nodes.txt; NodeToIndex is
	// its inverse.
	NodeIDs     []string
	NodeToIndex map[string]int32

	// Sampler holds the graph structure, frozen, with adjacency tables.
	Sampler *sampler.Sampler

	// Features is Float32 [numNodes+1, featureDim] with an all-zero padding
	// row last, nil if the directory has no features file.
	Features *tensors.Tensor

	// Vocab and EdgeBow carry the edge texts: EdgeBow is Float32
	// [numEdges+1, len(Vocab)] bag-of-words counts, padding row last. Both
	// nil when no edge has text.
	Vocab   []string
	EdgeBow *tensors.Tensor

	// WalkPairs are the flattened (source, visited) skip-gram pairs.
	WalkPairs []int32
}

// LoadGraphData reads a training data directory (see the *File constants)
// and returns it parsed, building and caching the derived artifacts on first
// use: the sampler with its adjacency tables (sampler.bin), the feature and
// bag-of-words tensors (features.tensor, bow.tensor), and, when absent, the
// walks (walks.txt) and the vocabulary (vocab.txt).
//
// ctx supplies the data hyperparameters: ParamMaxDegree, ParamNumWalks,
// ParamWalkLength and ParamVocabSize.
func LoadGraphData(ctx *context.Context, dataDir string) (*GraphData, error) {
	dataDir = mldata.ReplaceTildeInDir(dataDir)
	gd := &GraphData{DataDir: dataDir}

	var err error
	gd.NodeIDs, gd.NodeToIndex, err = readNodes(dataDir)
	if err != nil {
		return nil, err
	}

	triples, texts, err := readEdges(dataDir, gd.NodeToIndex)
	if err != nil {
		return nil, err
	}
	gd.Sampler, err = buildSampler(ctx, dataDir, len(gd.NodeIDs), triples)
	if err != nil {
		return nil, err
	}

	gd.Features, err = loadFeatures(dataDir, len(gd.NodeIDs))
	if err != nil {
		return nil, err
	}
	gd.Vocab, gd.EdgeBow, err = loadEdgeText(ctx, dataDir, texts, int(gd.Sampler.NumEdges))
	if err != nil {
		return nil, err
	}

	gd.WalkPairs, err = loadOrGenerateWalks(ctx, dataDir, gd.Sampler, gd.NodeIDs, gd.NodeToIndex)
	if err != nil {
		return nil, err
	}
	return gd, nil
}

// NumNodes of the graph, not counting the phantom padding node.
func (gd *GraphData) NumNodes() int { return int(gd.Sampler.NumNodes) }

// FeatureDim is the width of the features file rows, 0 when absent.
func (gd *GraphData) FeatureDim() int {
	if gd.Features == nil {
		return 0
	}
	return gd.Features.Shape().Dimensions[1]
}

// String implements fmt.Stringer with a one-line summary.
func (gd *GraphData) String() string {
	parts := []string{
		fmt.Sprintf("graph with %s nodes, %s edges, %s walk pairs",
			humanize.Comma(int64(gd.NumNodes())),
			humanize.Comma(int64(gd.Sampler.NumEdges)),
			humanize.Comma(int64(len(gd.WalkPairs)/2))),
	}
	if gd.Features != nil {
		parts = append(parts, fmt.Sprintf("%d features per node", gd.FeatureDim()))
	}
	if gd.EdgeBow != nil {
		parts = append(parts, fmt.Sprintf("edge text over %s words", humanize.Comma(int64(len(gd.Vocab)))))
	}
	return strings.Join(parts, ", ")
}

// UploadToContext stores the model-side graph tables as frozen variables
// under gnn.GraphVariablesScope, where the encoders fetch them by name. They
// are marked non-trainable; Train additionally excludes them from
// checkpoints.
func (gd *GraphData) UploadToContext(ctx *context.Context) {
	adjTargets, adjContent := gd.Sampler.AdjacencyTensors()
	upload := map[string]*tensors.Tensor{
		gnn.VarAdjacencyTargets: adjTargets,
		gnn.VarAdjacencyContent: adjContent,
	}
	if gd.Features != nil {
		upload[gnn.VarFeatures] = gd.Features
	}
	if gd.EdgeBow != nil {
		upload[gnn.VarEdgeBow] = gd.EdgeBow
	}
	ctxGraph := ctx.InAbsPath(gnn.GraphVariablesScope)
	for name, value := range upload {
		v := ctxGraph.VariableWithValue(name, value)
		v.Trainable = false
	}
}

func readNodes(dataDir string) (ids []string, index map[string]int32, err error) {
	filePath := path.Join(dataDir, NodesFile)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open nodes file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	index = make(map[string]int32)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if _, found := index[id]; found {
			return nil, nil, errors.Errorf("%s:%d: duplicate node id %q", filePath, lineNum, id)
		}
		index[id] = int32(len(ids))
		ids = append(ids, id)
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed reading %q", filePath)
	}
	if len(ids) == 0 {
		return nil, nil, errors.Errorf("nodes file %q is empty", filePath)
	}
	return ids, index, nil
}

// readEdges parses edges.csv (or edges.csv.gz): rows are "src,dst[,text]".
// Each row becomes two directed edges sharing one content row (the row
// number), and texts collects the raw text per content row.
func readEdges(dataDir string, index map[string]int32) (triples []int32, texts []string, err error) {
	name, r, err := openMaybeGzip(dataDir, EdgesFile)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = r.Close() }()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	row := 0
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, nil, errors.Wrapf(readErr, "failed reading edges from %q", name)
		}
		if len(record) < 2 {
			return nil, nil, errors.Errorf("%s: row %d has %d columns, want at least src and dst", name, row+1, len(record))
		}
		src, found := index[record[0]]
		if !found {
			return nil, nil, errors.Errorf("%s: row %d references unknown node %q", name, row+1, record[0])
		}
		dst, found := index[record[1]]
		if !found {
			return nil, nil, errors.Errorf("%s: row %d references unknown node %q", name, row+1, record[1])
		}
		text := ""
		if len(record) > 2 {
			text = record[2]
		}
		content := int32(row)
		triples = append(triples, src, dst, content, dst, src, content)
		texts = append(texts, text)
		row++
	}
	if row == 0 {
		return nil, nil, errors.Errorf("edges file %q has no edges", name)
	}
	return triples, texts, nil
}

func buildSampler(ctx *context.Context, dataDir string, numNodes int, triples []int32) (*sampler.Sampler, error) {
	maxDegree := context.GetParamOr(ctx, ParamMaxDegree, 100)
	cachePath := path.Join(dataDir, samplerCacheFile)
	s, err := sampler.Load(cachePath)
	if err == nil {
		if int(s.NumNodes) == numNodes && s.MaxDegree == maxDegree {
			return s, nil
		}
		klog.Warningf("cached sampler %q does not match the dataset or %s=%d, rebuilding",
			cachePath, ParamMaxDegree, maxDegree)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s = sampler.New(numNodes)
	s.AddEdges(tensors.FromFlatDataAndDimensions(triples, len(triples)/3, 3))
	s.BuildAdjacencyTables(maxDegree, rand.New(rand.NewPCG(42, uint64(numNodes))))
	fmt.Printf("> saving sampler to %q for faster access\n", cachePath)
	if err = s.Save(cachePath); err != nil {
		return nil, err
	}
	return s, nil
}

// loadFeatures parses features.csv (or .gz) into Float32 [numNodes+1, dim]
// with an all-zero padding row appended, caching the tensor next to it.
// Returns nil without error when the directory has no features file.
func loadFeatures(dataDir string, numNodes int) (*tensors.Tensor, error) {
	cachePath := path.Join(dataDir, featuresCacheFile)
	if mldata.FileExists(cachePath) {
		t, err := tensors.Load(cachePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load cached features %q, remove it to regenerate", cachePath)
		}
		if t.Shape().Dimensions[0] == numNodes+1 {
			return t, nil
		}
		klog.Warningf("cached features %q have %d rows, want %d, rebuilding", cachePath, t.Shape().Dimensions[0], numNodes+1)
	}
	if !mldata.FileExists(path.Join(dataDir, FeaturesFile)) &&
		!mldata.FileExists(path.Join(dataDir, FeaturesFile+".gz")) {
		return nil, nil
	}

	name, r, err := openMaybeGzip(dataDir, FeaturesFile)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var flat []float32
	width, row := 0, 0
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "failed reading features from %q", name)
		}
		if width == 0 {
			width = len(record)
			flat = make([]float32, 0, (numNodes+1)*width)
		} else if len(record) != width {
			return nil, errors.Errorf("%s: row %d has %d values, want %d", name, row+1, len(record), width)
		}
		for col, cell := range record {
			value, parseErr := strconv.ParseFloat(strings.TrimSpace(cell), 32)
			if parseErr != nil {
				return nil, errors.Wrapf(parseErr, "%s: row %d, column %d: failed to parse %q", name, row+1, col+1, cell)
			}
			flat = append(flat, float32(value))
		}
		row++
	}
	if row != numNodes {
		return nil, errors.Errorf("features file %q has %d rows, want one per node (%d)", name, row, numNodes)
	}
	flat = append(flat, make([]float32, width)...) // padding node row
	t := tensors.FromFlatDataAndDimensions(flat, numNodes+1, width)
	fmt.Printf("> saving features to %q for faster access\n", cachePath)
	if err = t.Save(cachePath); err != nil {
		return nil, errors.WithMessagef(err, "parsed %q, but failed to save it to %q", name, cachePath)
	}
	return t, nil
}

// loadEdgeText builds the vocabulary and the per-edge bag-of-words counts.
// Both are nil when no edge carries text.
func loadEdgeText(ctx *context.Context, dataDir string, texts []string, numEdges int) ([]string, *tensors.Tensor, error) {
	hasText := false
	for _, text := range texts {
		if strings.TrimSpace(text) != "" {
			hasText = true
			break
		}
	}
	if !hasText {
		return nil, nil, nil
	}

	vocab, err := loadOrBuildVocab(ctx, dataDir, texts)
	if err != nil {
		return nil, nil, err
	}

	cachePath := path.Join(dataDir, bowCacheFile)
	if mldata.FileExists(cachePath) {
		t, err := tensors.Load(cachePath)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to load cached bag-of-words %q, remove it to regenerate", cachePath)
		}
		if t.Shape().Dimensions[0] == numEdges+1 && t.Shape().Dimensions[1] == len(vocab) {
			return vocab, t, nil
		}
		klog.Warningf("cached bag-of-words %q is %s, want [%d, %d], rebuilding",
			cachePath, t.Shape(), numEdges+1, len(vocab))
	}

	tokenIndex := make(map[string]int, len(vocab))
	for i, token := range vocab {
		tokenIndex[token] = i
	}
	flat := make([]float32, (numEdges+1)*len(vocab))
	for row, text := range texts {
		for _, token := range strings.Fields(text) {
			if col, found := tokenIndex[token]; found {
				flat[row*len(vocab)+col]++
			}
		}
	}
	t := tensors.FromFlatDataAndDimensions(flat, numEdges+1, len(vocab))
	fmt.Printf("> saving bag-of-words to %q for faster access\n", cachePath)
	if err = t.Save(cachePath); err != nil {
		return nil, nil, errors.WithMessagef(err, "built bag-of-words, but failed to save it to %q", cachePath)
	}
	return vocab, t, nil
}

// loadOrBuildVocab reads vocab.txt or builds it from the edge texts: the
// ParamVocabSize most frequent tokens, most frequent first, ties broken
// lexicographically, saved back for reproducibility.
func loadOrBuildVocab(ctx *context.Context, dataDir string, texts []string) ([]string, error) {
	filePath := path.Join(dataDir, VocabFile)
	if mldata.FileExists(filePath) {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open vocabulary %q", filePath)
		}
		defer func() { _ = f.Close() }()
		var vocab []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			token := strings.TrimSpace(scanner.Text())
			if token != "" {
				vocab = append(vocab, token)
			}
		}
		if err = scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, "failed reading %q", filePath)
		}
		if len(vocab) == 0 {
			return nil, errors.Errorf("vocabulary file %q is empty", filePath)
		}
		return vocab, nil
	}

	counts := make(map[string]int)
	for _, text := range texts {
		for _, token := range strings.Fields(text) {
			counts[token]++
		}
	}
	vocab := make([]string, 0, len(counts))
	for token := range counts {
		vocab = append(vocab, token)
	}
	sort.Slice(vocab, func(i, j int) bool {
		if counts[vocab[i]] != counts[vocab[j]] {
			return counts[vocab[i]] > counts[vocab[j]]
		}
		return vocab[i] < vocab[j]
	})
	if maxSize := context.GetParamOr(ctx, ParamVocabSize, 5000); len(vocab) > maxSize {
		vocab = vocab[:maxSize]
	}

	fmt.Printf("> saving vocabulary of %d words to %q\n", len(vocab), filePath)
	if err := os.WriteFile(filePath, []byte(strings.Join(vocab, "\n")+"\n"), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to save vocabulary to %q", filePath)
	}
	return vocab, nil
}

// loadOrGenerateWalks reads walks.txt ("src_id dst_id" per line) or runs the
// random walks of sampler.GenerateWalkPairs and saves them back, so later
// runs (and other tools) see the same pairs.
func loadOrGenerateWalks(ctx *context.Context, dataDir string, s *sampler.Sampler, ids []string, index map[string]int32) ([]int32, error) {
	filePath := path.Join(dataDir, WalksFile)
	if mldata.FileExists(filePath) {
		return readWalks(filePath, index)
	}

	numWalks := context.GetParamOr(ctx, ParamNumWalks, 50)
	walkLength := context.GetParamOr(ctx, ParamWalkLength, 5)
	fmt.Printf("> running %d random walks of %d steps per node\n", numWalks, walkLength)
	pairs := sampler.GenerateWalkPairs(s, numWalks, walkLength, rand.New(rand.NewPCG(42, uint64(s.NumNodes))))

	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create walks file %q", filePath)
	}
	w := bufio.NewWriter(f)
	for i := 0; i < len(pairs); i += 2 {
		if _, err = fmt.Fprintf(w, "%s %s\n", ids[pairs[i]], ids[pairs[i+1]]); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "failed writing walks to %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed writing walks to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed writing walks to %q", filePath)
	}
	return pairs, nil
}

func readWalks(filePath string, index map[string]int32) ([]int32, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open walks file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var pairs []int32
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: want \"src_id dst_id\", got %q", filePath, lineNum, line)
		}
		src, found := index[fields[0]]
		if !found {
			return nil, errors.Errorf("%s:%d: unknown node %q", filePath, lineNum, fields[0])
		}
		dst, found := index[fields[1]]
		if !found {
			return nil, errors.Errorf("%s:%d: unknown node %q", filePath, lineNum, fields[1])
		}
		pairs = append(pairs, src, dst)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", filePath)
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("walks file %q is empty", filePath)
	}
	return pairs, nil
}

// openMaybeGzip opens dataDir/base or dataDir/base.gz, transparently
// decompressing the latter. The returned name is the path actually opened.
func openMaybeGzip(dataDir, base string) (name string, r io.ReadCloser, err error) {
	filePath := path.Join(dataDir, base)
	if mldata.FileExists(filePath) {
		f, err := os.Open(filePath)
		if err != nil {
			return "", nil, errors.Wrapf(err, "failed to open %q", filePath)
		}
		return filePath, f, nil
	}
	gzPath := filePath + ".gz"
	f, err := os.Open(gzPath)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to open %q (or %q)", gzPath, filePath)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return "", nil, errors.Wrapf(err, "failed to decompress %q", gzPath)
	}
	return gzPath, gzipReadCloser{Reader: gz, file: f}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g gzipReadCloser) Close() error {
	if err := g.Reader.Close(); err != nil {
		_ = g.file.Close()
		return err
	}
	return g.file.Close()
}
