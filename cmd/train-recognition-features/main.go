// Command train-recognition-features trains a classifier head on features
// from a frozen pretrained encoder. The encoder runs in eval mode and never
// receives gradients; only the head is optimized and checkpointed. Training
// data comes from resampled shards, validation from an image folder
// evaluated at 8x the training batch size.
package main

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-tae/async"
	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/optimizer"
	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
	"github.com/tsawler/go-tae/training"
	"github.com/tsawler/go-tae/vision/dataloader"
	"github.com/tsawler/go-tae/vision/dataset"
	"github.com/tsawler/go-tae/vision/preprocessing"
)

// Decoded validation samples are pinned in memory across evaluation passes
// when the folder holds at most this many images.
const maxCachedValSamples = 10000

var (
	flagBatchSize   = flag.Int("batch-size", 256, "Samples per training batch. Evaluation uses 8x this.")
	flagAccumIter   = flag.Int("accum-iter", 1, "Batches accumulated per optimizer update.")
	flagSavePrefix  = flag.String("save-prefix", "", "Prefix for the checkpoint and log files.")
	flagSaveFreq    = flag.Int("save-freq", 10000, "Iterations between evaluation/checkpoint phases.")
	flagModel       = flag.String("model", "", "Name of the classifier head to train.")
	flagModelCkpt   = flag.String("model-ckpt", "", "Classifier checkpoint to resume from.")
	flagNumClasses  = flag.Int("num-classes", 0, "Number of classes (0 uses the architecture default).")
	flagInputSize   = flag.Int("input-size", 224, "Input image resolution.")
	flagEncoder     = flag.String("encoder", "", "Name of the frozen encoder architecture.")
	flagEncoderCkpt = flag.String("encoder-ckpt", "", "Encoder checkpoint holding the pretrained weights.")
	flagWeightDecay = flag.Float64("weight-decay", 0.05, "Weight decay (biases and norm parameters are exempt).")
	flagLR          = flag.Float64("lr", 1e-4, "Learning rate (absolute).")
	flagTrainData   = flag.String("train-data", "", "Glob of training shards (tar files).")
	flagValData     = flag.String("val-data", "", "Validation image folder (one subdirectory per class).")
	flagOutputDir   = flag.String("output-dir", "./output_dir", "Directory for checkpoint and log files.")
	flagNumWorkers  = flag.Int("num-workers", 16, "Data loading workers decoding batches ahead of the loop.")
	flagSeed        = flag.Int64("seed", 0, "Seed for weight init, shard resampling and augmentation.")
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
	if *flagModel == "" || *flagEncoder == "" {
		return errors.Errorf("missing -model or -encoder; registered architectures: %s", strings.Join(tae.List(), ", "))
	}
	if *flagTrainData == "" {
		return errors.New("missing -train-data shard glob")
	}
	if *flagValData == "" {
		return errors.New("missing -val-data image folder")
	}

	if err := os.MkdirAll(*flagOutputDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output dir")
	}

	trainShards, err := dataset.NewShardDataset(*flagTrainData)
	if err != nil {
		return errors.Wrap(err, "train data")
	}
	folder, err := dataset.NewImageFolderDataset(*flagValData, nil)
	if err != nil {
		return errors.Wrap(err, "val data")
	}
	klog.Infof("Train and val data loaded: %d train shards, %d val images in %d classes",
		trainShards.NumShards(), folder.Len(), folder.NumClasses())

	trainTransform, err := preprocessing.NewTrainTransform(*flagInputSize, [2]float64{}, [2]float64{}, *flagSeed)
	if err != nil {
		return errors.Wrap(err, "train transform")
	}
	valTransform, err := preprocessing.NewValTransform(*flagInputSize)
	if err != nil {
		return errors.Wrap(err, "val transform")
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary)

	tae.SetRandomSeed(*flagSeed)
	built, err := tae.New(*flagEncoder, tae.WithInputSize(*flagInputSize))
	if err != nil {
		return errors.Wrap(err, "build encoder")
	}
	encoder, ok := built.(tae.Encoder)
	if !ok {
		return errors.Errorf("architecture %q has no encoder interface", *flagEncoder)
	}
	if *flagEncoderCkpt != "" {
		if err := loadWeights(saver, *flagEncoderCkpt, encoder); err != nil {
			return errors.Wrap(err, "encoder checkpoint")
		}
		klog.Infof("Encoder weights loaded from %s", *flagEncoderCkpt)
	}
	encoder.Eval()
	klog.Infof("Encoder %s: %.2fM parameters, embed dim %d",
		*flagEncoder, paramCount(encoder)/1e6, encoder.EmbedDim())

	opts := []tae.Option{tae.WithEmbedDim(encoder.EmbedDim())}
	if *flagNumClasses > 0 {
		opts = append(opts, tae.WithNumClasses(*flagNumClasses))
	}
	model, err := tae.New(*flagModel, opts...)
	if err != nil {
		return errors.Wrap(err, "build model")
	}
	klog.Infof("Model %s: %.2fM parameters", *flagModel, paramCount(model)/1e6)

	adamCfg := optimizer.DefaultAdamWConfig()
	adamCfg.LearningRate = *flagLR
	opt, err := optimizer.NewAdamW(optimizer.AddWeightDecay(model, *flagWeightDecay), adamCfg)
	if err != nil {
		return errors.Wrap(err, "optimizer")
	}

	trainer, err := training.NewTrainer(model, opt, nil, nil, saver, training.TrainerConfig{
		AccumIter:    *flagAccumIter,
		SaveFreq:     *flagSaveFreq,
		OutputDir:    *flagOutputDir,
		Prefix:       *flagSavePrefix,
		Architecture: *flagModel,
		RunConfig: map[string]string{
			"model":        *flagModel,
			"encoder":      *flagEncoder,
			"batch_size":   strconv.Itoa(*flagBatchSize),
			"accum_iter":   strconv.Itoa(*flagAccumIter),
			"save_freq":    strconv.Itoa(*flagSaveFreq),
			"num_classes":  strconv.Itoa(*flagNumClasses),
			"input_size":   strconv.Itoa(*flagInputSize),
			"lr":           strconv.FormatFloat(*flagLR, 'g', -1, 64),
			"weight_decay": strconv.FormatFloat(*flagWeightDecay, 'g', -1, 64),
			"seed":         strconv.FormatInt(*flagSeed, 10),
		},
	})
	if err != nil {
		return errors.Wrap(err, "trainer")
	}
	if *flagModelCkpt != "" {
		if err := trainer.Resume(*flagModelCkpt); err != nil {
			return err
		}
		klog.Infof("Resumed from %s at iteration %d", *flagModelCkpt, trainer.State().Iteration)
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

	// Workers decode and augment; the encoder forward stays on the consumer
	// side, mirroring its placement on a dedicated device.
	trainStream := training.NewEncodedStream(prefetcher, encoder)

	var cache *dataloader.SampleCache
	if folder.Len() <= maxCachedValSamples {
		cache = dataloader.NewSampleCache(folder.Len())
	}
	valFactory := func() (training.BatchStream, error) {
		loader, err := dataloader.NewFolderValLoader(folder, valTransform, dataloader.ValConfig{
			BatchSize: 8 * *flagBatchSize,
			Cache:     cache,
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
		return training.NewEncodedStream(pf, encoder), nil
	}

	klog.Infof("Starting TAE training")
	state, err := trainer.Run(trainStream, valFactory)
	if err != nil {
		return err
	}

	klog.Infof("Training finished at iteration %d, best acc@1 %.3f", state.Iteration, state.BestAcc1)
	klog.Infof("Checkpoint: %s", trainer.CheckpointPath())
	return nil
}

// loadWeights restores model weights from a checkpoint, ignoring any
// optimizer or scaler state in the bundle.
func loadWeights(saver *checkpoints.CheckpointSaver, path string, model tae.Model) error {
	ckpt, err := saver.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	sd := make(map[string]*tensor.Tensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		wt, err := tensor.NewTensor(append([]int(nil), w.Shape...), tensor.Float32, append([]float32(nil), w.Data...))
		if err != nil {
			return errors.Wrapf(err, "weight %s", w.Name)
		}
		sd[w.Name] = wt
	}
	return model.LoadStateDict(sd)
}

func paramCount(model tae.Model) float64 {
	var numel int
	for _, p := range model.NamedParameters() {
		numel += p.Tensor.NumElems
	}
	return float64(numel)
}
