// Command train-recognition fine-tunes a TAE recognition model end to end on
// sharded image data. The training stream resamples shards indefinitely;
// every -save-freq iterations the run evaluates on the validation shards,
// checkpoints when the top-1 accuracy improves, and appends a log record.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-tae/async"
	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/dist"
	"github.com/tsawler/go-tae/optimizer"
	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/training"
	"github.com/tsawler/go-tae/vision/dataloader"
	"github.com/tsawler/go-tae/vision/dataset"
	"github.com/tsawler/go-tae/vision/preprocessing"
)

var (
	flagBatchSize   = flag.Int("batch-size", 256, "Samples per training batch.")
	flagAccumIter   = flag.Int("accum-iter", 1, "Batches accumulated per optimizer update.")
	flagSavePrefix  = flag.String("save-prefix", "", "Prefix for the checkpoint and log files.")
	flagSaveFreq    = flag.Int("save-freq", 10000, "Iterations between evaluation/checkpoint phases.")
	flagModel       = flag.String("model", "", "Name of the model architecture to train.")
	flagResume      = flag.String("resume", "", "Checkpoint to resume from.")
	flagInputSize   = flag.Int("input-size", 224, "Input image resolution.")
	flagWeightDecay = flag.Float64("weight-decay", 0.05, "Weight decay (biases and norm parameters are exempt).")
	flagLR          = flag.Float64("lr", 1e-4, "Learning rate (absolute).")
	flagTrainData   = flag.String("train-data", "", "Glob of training shards (tar files).")
	flagValData     = flag.String("val-data", "", "Glob of validation shards (tar files).")
	flagOutputDir   = flag.String("output-dir", "./output_dir", "Directory for checkpoint and log files.")
	flagNumWorkers  = flag.Int("num-workers", 16, "Data loading workers decoding batches ahead of the loop.")
	flagJitterScale = flag.String("jitter-scale", "0.2,1.0", "Crop area range for training augmentation, as \"lo,hi\".")
	flagJitterRatio = flag.String("jitter-ratio", "0.75,1.3333", "Crop aspect ratio range for training augmentation, as \"lo,hi\".")
	flagSeed        = flag.Int64("seed", 0, "Seed for weight init, shard resampling and augmentation.")
	flagWorldSize   = flag.Int("world-size", 1, "Cooperating training workers (in-process process group).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(); err != nil {
		if errors.Is(err, training.ErrLossDiverged) {
			klog.Exitf("Loss diverged, stopping training: %v", err)
		}
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run() error {
	if *flagModel == "" {
		return errors.Errorf("missing -model; registered architectures: %s", strings.Join(tae.List(), ", "))
	}
	if *flagTrainData == "" {
		return errors.New("missing -train-data shard glob")
	}
	if *flagValData == "" {
		return errors.New("missing -val-data shard glob")
	}
	if *flagWorldSize < 1 {
		return errors.Errorf("world size must be at least 1, got %d", *flagWorldSize)
	}

	scale, err := parseRange(*flagJitterScale)
	if err != nil {
		return errors.Wrap(err, "jitter-scale")
	}
	ratio, err := parseRange(*flagJitterRatio)
	if err != nil {
		return errors.Wrap(err, "jitter-ratio")
	}

	if err := os.MkdirAll(*flagOutputDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output dir")
	}

	trainShards, err := dataset.NewShardDataset(*flagTrainData)
	if err != nil {
		return errors.Wrap(err, "train data")
	}
	valShards, err := dataset.NewShardDataset(*flagValData)
	if err != nil {
		return errors.Wrap(err, "val data")
	}
	klog.Infof("Train and val data loaded: %d train shards, %d val shards",
		trainShards.NumShards(), valShards.NumShards())

	trainTransform, err := preprocessing.NewTrainTransform(*flagInputSize, scale, ratio, *flagSeed)
	if err != nil {
		return errors.Wrap(err, "train transform")
	}
	valTransform, err := preprocessing.NewValTransform(*flagInputSize)
	if err != nil {
		return errors.Wrap(err, "val transform")
	}

	trainLoader, err := dataloader.NewTrainLoader(trainShards, trainTransform, dataloader.TrainConfig{
		BatchSize: *flagBatchSize,
		Seed:      *flagSeed,
	})
	if err != nil {
		return errors.Wrap(err, "train loader")
	}
	prefetcher, err := async.NewPrefetcher(trainLoader, async.PrefetcherConfig{
		Workers:       *flagNumWorkers,
		PrefetchDepth: 2 * *flagNumWorkers,
	})
	if err != nil {
		return errors.Wrap(err, "train prefetcher")
	}
	if err := prefetcher.Start(); err != nil {
		return errors.Wrap(err, "train prefetcher")
	}
	defer prefetcher.Stop()

	// A fresh sequential pass over the validation shards per evaluation.
	valFactory := func() (training.BatchStream, error) {
		loader, err := dataloader.NewShardValLoader(valShards, valTransform, dataloader.ValConfig{
			BatchSize: *flagBatchSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "val loader")
		}
		pf, err := async.NewPrefetcher(loader, async.PrefetcherConfig{
			Workers:       *flagNumWorkers,
			PrefetchDepth: 2 * *flagNumWorkers,
		})
		if err != nil {
			return nil, errors.Wrap(err, "val prefetcher")
		}
		if err := pf.Start(); err != nil {
			return nil, errors.Wrap(err, "val prefetcher")
		}
		return pf, nil
	}

	comms := []dist.Communicator{dist.Single()}
	if *flagWorldSize > 1 {
		comms, err = dist.NewGroup(*flagWorldSize)
		if err != nil {
			return errors.Wrap(err, "process group")
		}
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary)
	config := training.TrainerConfig{
		AccumIter:    *flagAccumIter,
		SaveFreq:     *flagSaveFreq,
		OutputDir:    *flagOutputDir,
		Prefix:       *flagSavePrefix,
		Architecture: *flagModel,
		RunConfig: map[string]string{
			"model":        *flagModel,
			"batch_size":   strconv.Itoa(*flagBatchSize),
			"accum_iter":   strconv.Itoa(*flagAccumIter),
			"save_freq":    strconv.Itoa(*flagSaveFreq),
			"input_size":   strconv.Itoa(*flagInputSize),
			"lr":           strconv.FormatFloat(*flagLR, 'g', -1, 64),
			"weight_decay": strconv.FormatFloat(*flagWeightDecay, 'g', -1, 64),
			"seed":         strconv.FormatInt(*flagSeed, 10),
			"world_size":   strconv.Itoa(*flagWorldSize),
		},
	}

	// Replicas must start from identical weights, so each build reseeds.
	trainers := make([]*training.Trainer, 0, len(comms))
	for _, comm := range comms {
		tae.SetRandomSeed(*flagSeed)
		model, err := tae.New(*flagModel, tae.WithInputSize(*flagInputSize))
		if err != nil {
			return errors.Wrap(err, "build model")
		}

		adamCfg := optimizer.DefaultAdamWConfig()
		adamCfg.LearningRate = *flagLR
		opt, err := optimizer.NewAdamW(optimizer.AddWeightDecay(model, *flagWeightDecay), adamCfg)
		if err != nil {
			return errors.Wrap(err, "optimizer")
		}

		trainer, err := training.NewTrainer(model, opt, nil, comm, saver, config)
		if err != nil {
			return errors.Wrap(err, "trainer")
		}
		if *flagResume != "" {
			if err := trainer.Resume(*flagResume); err != nil {
				return err
			}
		}

		if comm.IsMain() {
			var numel int
			for _, p := range model.NamedParameters() {
				numel += p.Tensor.NumElems
			}
			klog.Infof("Model %s: %.2fM parameters", *flagModel, float64(numel)/1e6)
			if *flagResume != "" {
				klog.Infof("Resumed from %s at iteration %d", *flagResume, trainer.State().Iteration)
			}
		}
		trainers = append(trainers, trainer)
	}

	klog.Infof("Starting TAE training (world size %d)", len(trainers))

	// Workers draw from the shared prefetch queue. The first failure ends
	// the run; peers stalled in a collective are abandoned with the process.
	var wg sync.WaitGroup
	errCh := make(chan error, len(trainers))
	for _, trainer := range trainers {
		wg.Add(1)
		go func(tr *training.Trainer) {
			defer wg.Done()
			if _, err := tr.Run(prefetcher, valFactory); err != nil {
				errCh <- err
			}
		}(trainer)
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()
	if err, ok := <-errCh; ok {
		return err
	}

	state := trainers[0].State()
	klog.Infof("Training finished at iteration %d, best acc@1 %.3f", state.Iteration, state.BestAcc1)
	klog.Infof("Checkpoint: %s", trainers[0].CheckpointPath())
	return nil
}

// parseRange parses "lo,hi" into a two-element range.
func parseRange(s string) ([2]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return [2]float64{}, errors.Errorf("expected \"lo,hi\", got %q", s)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return [2]float64{}, errors.Wrapf(err, "bad lower bound in %q", s)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return [2]float64{}, errors.Wrapf(err, "bad upper bound in %q", s)
	}
	return [2]float64{lo, hi}, nil
}
