package cgat

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/cgat/sampler"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Files written to the embeddings directory.
const (
	EmbeddingsTensorFile = "embeddings.tensor"
	EmbeddingsCSVFile    = "embeddings.csv"
	EmbeddingsNodesFile  = "nodes.txt"
	EmbeddingsMetaFile   = "metadata.json"
)

// exportBatchSize is the number of nodes embedded per inference call. All
// batches share one shape (the last one is padded), so the model compiles
// only once.
const exportBatchSize = 512

// ExportMetadata describes an embeddings export, saved as metadata.json
// next to the embeddings.
type ExportMetadata struct {
	Model        string `json:"model"`
	NumNodes     int    `json:"num_nodes"`
	EmbeddingDim int    `json:"embedding_dim"`
	GlobalStep   int64  `json:"global_step"`
	VocabSize    int    `json:"vocab_size"`
	RunID        string `json:"run_id"`
	ExportedAt   string `json:"exported_at"`
}

// ExportEmbeddings runs the model over every node of the graph and writes
// the embeddings under embedDir:
//
//   - embeddings.tensor: Float32 [numNodes, embeddingDim], rows
//     L2-normalized, in GoMLX serialization format, see tensors.Load.
//   - embeddings.csv: "node_id,v0,v1,..." rows, for interop.
//   - nodes.txt: node id per row, aligned with the tensor rows.
//   - metadata.json: model name, shapes and provenance of the export.
//
// The model variables in ctx are reused as-is: train first or restore a
// checkpoint. The directory is created if needed, files are overwritten.
func ExportEmbeddings(ctx *context.Context, backend backends.Backend, data *GraphData, embedDir string) error {
	embedDir = mldata.ReplaceTildeInDir(embedDir)
	if err := os.MkdirAll(embedDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create embeddings directory %q", embedDir)
	}

	numNodes := data.NumNodes()
	embeddingDim := gnn.EmbeddingDim(ctx)
	ds := sampler.NewNodeDataset("export", numNodes, exportBatchSize)
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, nodes *graph.Node) *graph.Node {
		return ModelGraph(ctx, nil, []*graph.Node{nodes})[0]
	})

	fmt.Printf("Exporting embeddings for %s nodes to %q:\n", humanize.Comma(int64(numNodes)), embedDir)
	flat := make([]float32, 0, numNodes*embeddingDim)
	pbar := progressbar.Default(int64(ds.NumBatches()), "Computing embeddings")
	err := exceptions.TryCatch[error](func() {
		for {
			_, inputs, _, yieldErr := ds.Yield()
			if yieldErr == io.EOF {
				break
			}
			if yieldErr != nil {
				panic(yieldErr)
			}
			batch := exec.Call(inputs[0])[0]
			valid := numNodes - len(flat)/embeddingDim
			if valid > exportBatchSize {
				valid = exportBatchSize
			}
			tensors.ConstFlatData[float32](batch, func(batchFlat []float32) {
				flat = append(flat, batchFlat[:valid*embeddingDim]...)
			})
			_ = pbar.Add(1)
		}
	})
	_ = pbar.Finish()
	if err != nil {
		return errors.WithMessage(err, "while computing embeddings")
	}

	embeddings := tensors.FromFlatDataAndDimensions(flat, numNodes, embeddingDim)
	tensorPath := path.Join(embedDir, EmbeddingsTensorFile)
	if err = embeddings.Save(tensorPath); err != nil {
		return errors.WithMessagef(err, "failed to save embeddings to %q", tensorPath)
	}
	if err = writeEmbeddingsCSV(path.Join(embedDir, EmbeddingsCSVFile), data.NodeIDs, flat, embeddingDim); err != nil {
		return err
	}
	if err = writeNodeIDs(path.Join(embedDir, EmbeddingsNodesFile), data.NodeIDs); err != nil {
		return err
	}
	if err = writeMetadata(path.Join(embedDir, EmbeddingsMetaFile), ctx, data); err != nil {
		return err
	}
	fmt.Printf("> %d embeddings of dimension %d written to %q\n", numNodes, embeddingDim, embedDir)
	return nil
}

func writeEmbeddingsCSV(filePath string, nodeIDs []string, flat []float32, dim int) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := csv.NewWriter(f)
	record := make([]string, dim+1)
	record[0] = "node_id"
	for col := range dim {
		record[col+1] = fmt.Sprintf("v%d", col)
	}
	if err = w.Write(record); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	for row, id := range nodeIDs {
		record[0] = id
		for col, value := range flat[row*dim : (row+1)*dim] {
			record[col+1] = strconv.FormatFloat(float64(value), 'g', -1, 32)
		}
		if err = w.Write(record); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write %q", filePath)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

func writeNodeIDs(filePath string, nodeIDs []string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	for _, id := range nodeIDs {
		if _, err = fmt.Fprintln(w, id); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

func writeMetadata(filePath string, ctx *context.Context, data *GraphData) error {
	meta := &ExportMetadata{
		Model:        gnn.ModelFromContext(ctx),
		NumNodes:     data.NumNodes(),
		EmbeddingDim: gnn.EmbeddingDim(ctx),
		GlobalStep:   optimizers.GetGlobalStep(ctx),
		VocabSize:    len(data.Vocab),
		RunID:        uuid.NewString(),
		ExportedAt:   time.Now().Format(time.RFC3339),
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(meta); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
