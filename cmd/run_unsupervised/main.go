// run_unsupervised trains unsupervised node embeddings on an edge-attributed
// graph and writes one embedding per node.
//
// Usage:
//
//	run_unsupervised --training-data-dir <path> --embed-dir <path> \
//	    [--model sage|gat|cgat] [--checkpoint <dir>] [--set "p1=v1;p2=v2"] \
//	    [--eval_only]
//
// The training data layout is documented on cgat.LoadGraphData. Any
// hyperparameter can be set with --set, e.g.
// --set "model=cgat;epochs=5;learning_rate=0.001". klog flags (-v and
// friends) control logging.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/cgat"
	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/gomlx/backends"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir    = flag.String("training-data-dir", "", "Directory with the training graph: nodes.txt, edges.csv and optional features.csv, walks.txt and vocab.txt. Required.")
	flagEmbedDir   = flag.String("embed-dir", "", "Directory where to write the trained node embeddings. Required.")
	flagModel      = flag.String("model", "", "Model to train: \"sage\", \"gat\" or \"cgat\". Overrides the \"model\" context setting.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory: training restarts from it when it exists. Relative paths are taken under --training-data-dir. If empty no checkpoints are saved.")
	flagEvalOnly   = flag.Bool("eval_only", false, "Skip training: restore the checkpoint, report the evaluation metrics and export the embeddings.")
)

func main() {
	backend := backends.New()
	ctx := cgat.CreateDefaultContext()

	// Flags with context settings.
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M(commandline.ParseContextSettings(ctx, *settings))
	if *flagDataDir == "" || *flagEmbedDir == "" {
		fmt.Fprintln(os.Stderr, "Flags --training-data-dir and --embed-dir are both required.")
		flag.Usage()
		os.Exit(1)
	}
	if *flagModel != "" {
		ctx.SetParam(gnn.ParamModel, *flagModel)
	}

	dataDir := mldata.ReplaceTildeInDir(*flagDataDir)
	fmt.Printf("Loading training data from %q ... ", dataDir)
	start := time.Now()
	data := must.M1(cgat.LoadGraphData(ctx, dataDir))
	fmt.Printf("elapsed: %s\n", time.Since(start))
	fmt.Println(data)

	var err error
	if *flagEvalOnly {
		err = cgat.Eval(ctx, backend, data, *flagCheckpoint)
	} else {
		err = cgat.Train(ctx, backend, data, *flagCheckpoint)
	}
	if err == nil {
		err = cgat.ExportEmbeddings(ctx, backend, data, *flagEmbedDir)
	}
	if err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
