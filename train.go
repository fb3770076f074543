package cgat

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gomlx/cgat/gnn"
	"github.com/gomlx/cgat/sampler"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// validationFraction of the walk pairs held out for evaluation, as 1/n.
const validationFraction = 50

// CreateDefaultContext creates a context with the default hyperparameters.
// Any of them can be overridden from the command line with --set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model selection and architecture.
		gnn.ParamModel:        gnn.ModelSage,
		gnn.ParamNumSamples1:  25,
		gnn.ParamNumSamples2:  10,
		gnn.ParamDim1:         128,
		gnn.ParamDim2:         128,
		gnn.ParamNumHeads1:    8,
		gnn.ParamNumHeads2:    1,
		gnn.ParamIdentityDim:  64,
		gnn.ParamDropout:      0.2,
		gnn.ParamAttnDropout:  0.2,
		gnn.ParamVaeDropout:   0.2,
		gnn.ParamVaeHiddenDim: 100,

		// Skip-gram objective.
		gnn.ParamNumNegatives:        20,
		gnn.ParamNegSampleDistortion: 0.75,

		// Dataset preparation.
		ParamMaxDegree:  100,
		ParamNumWalks:   50,
		ParamWalkLength: 5,
		ParamVocabSize:  5000,
		ParamBatchSize:  128,
		ParamEpochs:     20,

		// Training.
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamClipStepByValue: 5.0,
		layers.ParamL2Regularization:    0.0,
		cosineschedule.ParamPeriodSteps: 0,
	})
	return ctx
}

// Train the model configured in ctx on the graph in data, reporting an
// evaluation on the held-out walk pairs at the end.
//
// If checkpointDir is not empty, a checkpoint is attached: training restarts
// from it when it already exists, and it is saved periodically while
// training. Relative paths are taken under the training data directory. The
// frozen graph tensors are not saved, they are rebuilt from data on restart.
func Train(ctx *context.Context, backend backends.Backend, data *GraphData, checkpointDir string) error {
	data.UploadToContext(ctx)

	// Context parameters are reloaded from a checkpoint, so the target number
	// of epochs must be read before attaching it.
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 20)

	checkpoint, err := attachCheckpoint(ctx, checkpointDir, data.DataDir)
	if err != nil {
		return err
	}
	trainDS, trainEvalDS, validEvalDS := makeDatasets(ctx, data)

	trainSteps := numEpochs * trainDS.StepsPerEpoch()
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep != 0 {
		fmt.Printf("> restarting training from global_step=%d (training until %d)\n", globalStep, trainSteps)
	}
	trainSteps -= int(globalStep)
	if trainSteps <= 0 {
		fmt.Printf("> training already reached %d epochs (%d steps), nothing to do. "+
			"Increase %q to train further.\n", numEpochs, int(globalStep), ParamEpochs)
		return nil
	}

	trainer := newTrainer(backend, ctx)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil {
		// Save every 3 minutes of training, and at the end of the loop.
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	train.EveryNSteps(loop, 50, "log training metrics", 20,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			if !klog.V(1).Enabled() {
				return nil
			}
			parts := make([]string, 0, len(stepMetrics))
			for ii, m := range loop.Trainer.TrainMetrics() {
				parts = append(parts, fmt.Sprintf("%s=%s", m.ShortName(), m.PrettyPrint(stepMetrics[ii])))
			}
			klog.Infof("step %d: %s", loop.LoopStep, strings.Join(parts, ", "))
			return nil
		})

	_, err = loop.RunSteps(trainDS, trainSteps)
	if err != nil {
		return errors.WithMessage(err, "while running training steps")
	}
	fmt.Printf("Median training step duration: %s\n", loop.MedianTrainStepDuration())

	fmt.Println()
	err = commandline.ReportEval(trainer, validEvalDS, trainEvalDS)
	if err != nil {
		return errors.WithMessage(err, "while reporting eval")
	}
	return nil
}

// Eval restores the model from its checkpoint and reports the evaluation
// metrics on the held-out and training walk pairs, without training.
func Eval(ctx *context.Context, backend backends.Backend, data *GraphData, checkpointDir string) error {
	if checkpointDir == "" {
		return errors.Errorf("evaluation needs a trained model, but no checkpoint directory was given")
	}
	data.UploadToContext(ctx)
	if _, err := attachCheckpoint(ctx, checkpointDir, data.DataDir); err != nil {
		return err
	}
	globalStep := optimizers.GetGlobalStep(ctx)
	fmt.Printf("Model in %q trained for %d steps.\n", checkpointDir, globalStep)

	_, trainEvalDS, validEvalDS := makeDatasets(ctx, data)
	trainer := newTrainer(backend, ctx)
	for _, ds := range []train.Dataset{validEvalDS, trainEvalDS} {
		start := time.Now()
		err := commandline.ReportEval(trainer, ds)
		if err != nil {
			return errors.WithMessagef(err, "while reporting eval on %q", ds.Name())
		}
		fmt.Printf("\telapsed %s (%s)\n", time.Since(start), ds.Name())
	}
	return nil
}

// newTrainer orchestrates the model graph, loss and optimizer. The loss
// metrics are tracked automatically; the reciprocal rank of the positive
// pairs against the negatives is tracked on top, as a moving average while
// training and as a plain mean during evaluation.
func newTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	movingMRR := gnn.NewMovingMRRMetric()
	meanMRR := gnn.NewMeanMRRMetric()
	return train.NewTrainer(backend, ctx, ModelGraph,
		gnn.SkipGramLoss,
		optimizers.FromContext(ctx), // Based on `ctx.GetParam("optimizer")`.
		[]metrics.Interface{movingMRR},
		[]metrics.Interface{meanMRR})
}

// attachCheckpoint builds the checkpoint handler for dir, resolving relative
// paths under baseDir. It loads an existing checkpoint -- parameters and
// trained variables -- into ctx, and excludes the frozen graph tensors from
// saving, since they are large and rebuilt from the dataset anyway. A nil
// handler is returned when dir is empty.
func attachCheckpoint(ctx *context.Context, dir, baseDir string) (*checkpoints.Handler, error) {
	if dir == "" {
		return nil, nil
	}
	var varsToExclude []*context.Variable
	ctx.InAbsPath(gnn.GraphVariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
		varsToExclude = append(varsToExclude, v)
	})
	checkpoint, err := checkpoints.Build(ctx).
		DirFromBase(dir, baseDir).
		Keep(3).
		ExcludeVarsFromSaving(varsToExclude...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while setting up checkpoint in %q", dir)
	}
	return checkpoint, nil
}

// makeDatasets splits the walk pairs into training and validation sets and
// wraps them as datasets: train loops indefinitely reshuffling every epoch,
// trainEval and validEval yield one epoch each, for ReportEval.
func makeDatasets(ctx *context.Context, data *GraphData) (trainDS, trainEvalDS, validEvalDS *sampler.EdgeDataset) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 128)
	numNegatives := context.GetParamOr(ctx, gnn.ParamNumNegatives, 20)
	distortion := context.GetParamOr(ctx, gnn.ParamNegSampleDistortion, 0.75)
	negatives := sampler.NewNegativeSampler(data.Sampler.Degrees(), distortion)

	trainPairs, validPairs := splitWalkPairs(data.WalkPairs)
	trainDS = sampler.NewEdgeDataset("train", trainPairs, clampBatch(batchSize, trainPairs), numNegatives, negatives).
		Infinite().Shuffle()
	trainEvalDS = sampler.NewEdgeDataset("train", trainPairs, clampBatch(batchSize, trainPairs), numNegatives, negatives)
	validEvalDS = sampler.NewEdgeDataset("validation", validPairs, clampBatch(batchSize, validPairs), numNegatives, negatives)
	return
}

// clampBatch caps the batch size at the number of available pairs, so small
// graphs still yield at least one batch.
func clampBatch(batchSize int, pairs []int32) int {
	if numPairs := len(pairs) / 2; batchSize > numPairs {
		return numPairs
	}
	return batchSize
}

// splitWalkPairs partitions the walk pairs 98% / 2% into training and
// validation sets. The split is deterministic: pairs are shuffled once with
// a fixed seed and cut by position, so restarts see the same split.
func splitWalkPairs(pairs []int32) (trainPairs, validPairs []int32) {
	numPairs := len(pairs) / 2
	order := make([]int32, numPairs)
	for ii := range order {
		order[ii] = int32(ii)
	}
	rng := rand.New(rand.NewPCG(42, uint64(numPairs)))
	rng.Shuffle(numPairs, func(i, j int) { order[i], order[j] = order[j], order[i] })

	numValid := numPairs / validationFraction
	if numValid == 0 && numPairs > 1 {
		numValid = 1
	}
	take := func(idxs []int32) []int32 {
		taken := make([]int32, 0, 2*len(idxs))
		for _, pairIdx := range idxs {
			taken = append(taken, pairs[2*pairIdx], pairs[2*pairIdx+1])
		}
		return taken
	}
	return take(order[:numPairs-numValid]), take(order[numPairs-numValid:])
}
