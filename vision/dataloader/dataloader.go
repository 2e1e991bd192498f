// Package dataloader assembles decoded image samples into batched tensors
// for the training loop. It composes the dataset and preprocessing packages
// into ready-made loaders for shard-backed training, shard-backed
// validation, and folder-backed validation, mirroring the usual pipeline of
// shuffle, decode, transform, batch.
package dataloader

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/tensor"
	"github.com/tsawler/go-tae/training"
	"github.com/tsawler/go-tae/vision/dataset"
	"github.com/tsawler/go-tae/vision/preprocessing"
)

// valPassSamples caps how many samples one shard-backed validation pass
// consumes. Shard streams have no natural epoch boundary, so a pass is
// defined as this many samples.
const valPassSamples = 50000

// Loader batches samples from a stream into tensors. It implements
// training.BatchStream: Next returns io.EOF once the sample stream is
// exhausted or the batch cap is reached, and the final batch may be smaller
// than the configured batch size. Next is safe for concurrent use when the
// sample stream is.
type Loader struct {
	samples    dataset.SampleStream
	batchSize  int
	maxBatches int

	mu       sync.Mutex
	produced int
	finished bool
}

// NewLoader creates a loader that groups batchSize samples per batch. A
// maxBatches of zero means the loader runs until the sample stream ends;
// a positive value stops it after that many batches.
func NewLoader(samples dataset.SampleStream, batchSize, maxBatches int) (*Loader, error) {
	if samples == nil {
		return nil, errors.New("sample stream cannot be nil")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if maxBatches < 0 {
		return nil, errors.Errorf("batch cap cannot be negative, got %d", maxBatches)
	}
	return &Loader{
		samples:    samples,
		batchSize:  batchSize,
		maxBatches: maxBatches,
	}, nil
}

// Next assembles the next batch. Samples are pulled outside the loader's
// lock, so concurrent callers split the decode work between them.
func (l *Loader) Next() (*training.Batch, error) {
	l.mu.Lock()
	if l.finished || (l.maxBatches > 0 && l.produced >= l.maxBatches) {
		l.mu.Unlock()
		return nil, io.EOF
	}
	l.produced++
	l.mu.Unlock()

	var (
		data   []float32
		labels []int32
		dims   [3]int
		count  int
	)
	for count < l.batchSize {
		sample, err := l.samples.Next()
		if errors.Is(err, io.EOF) {
			l.mu.Lock()
			l.finished = true
			l.mu.Unlock()
			break
		}
		if err != nil {
			return nil, err
		}

		if count == 0 {
			dims = [3]int{sample.Channels, sample.Height, sample.Width}
			data = make([]float32, 0, l.batchSize*len(sample.Data))
			labels = make([]int32, 0, l.batchSize)
		} else if dims != [3]int{sample.Channels, sample.Height, sample.Width} {
			return nil, errors.Errorf("sample shape [%d %d %d] does not match batch shape [%d %d %d]",
				sample.Channels, sample.Height, sample.Width, dims[0], dims[1], dims[2])
		}

		data = append(data, sample.Data...)
		labels = append(labels, sample.Label)
		count++
	}
	if count == 0 {
		return nil, io.EOF
	}

	samples, err := tensor.NewTensor([]int{count, dims[0], dims[1], dims[2]}, tensor.Float32, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create batch samples tensor")
	}
	batchLabels, err := tensor.NewTensor([]int{count}, tensor.Int32, labels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create batch labels tensor")
	}
	return &training.Batch{Samples: samples, Labels: batchLabels}, nil
}

// Len reports how many batches the loader will yield, or zero when the
// sample stream's length is unknown and no cap is set.
func (l *Loader) Len() int {
	batches := 0
	if sized, ok := l.samples.(interface{ Len() int }); ok {
		if n := sized.Len(); n > 0 {
			batches = (n + l.batchSize - 1) / l.batchSize
		}
	}
	if l.maxBatches > 0 && (batches == 0 || l.maxBatches < batches) {
		batches = l.maxBatches
	}
	return batches
}

// TrainConfig configures the shard-backed training loader.
type TrainConfig struct {
	// BatchSize is the number of samples per batch.
	BatchSize int

	// ShuffleSize is the number of entries held in the shuffle window
	// (default: 10000).
	ShuffleSize int

	// Seed drives shard resampling and shuffling.
	Seed int64
}

// NewTrainLoader builds the endless training pipeline: shards resampled
// with replacement, a shuffle window over the raw entries, then decode and
// augmentation into batches. The returned loader never reaches io.EOF.
func NewTrainLoader(shards *dataset.ShardDataset, transform preprocessing.Transform, config TrainConfig) (*Loader, error) {
	if shards == nil {
		return nil, errors.New("shard dataset cannot be nil")
	}
	if transform == nil {
		return nil, errors.New("transform cannot be nil")
	}
	if config.ShuffleSize <= 0 {
		config.ShuffleSize = DefaultShuffleSize
	}

	entries := ShuffleEntries(shards.Resampled(config.Seed), config.ShuffleSize, config.Seed)
	samples := TransformEntries(entries, transform, nil)
	return NewLoader(samples, config.BatchSize, 0)
}

// ValConfig configures validation loaders.
type ValConfig struct {
	// BatchSize is the number of samples per batch.
	BatchSize int

	// Cache, when set, reuses decoded samples across passes. It must only
	// be shared between loaders with the same deterministic transform.
	Cache *SampleCache
}

// NewShardValLoader builds one sequential validation pass over shards. The
// pass is capped at a fixed sample count because shard streams carry no
// epoch marker of their own.
func NewShardValLoader(shards *dataset.ShardDataset, transform preprocessing.Transform, config ValConfig) (*Loader, error) {
	if shards == nil {
		return nil, errors.New("shard dataset cannot be nil")
	}
	if transform == nil {
		return nil, errors.New("transform cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	samples := TransformEntries(shards.Sequential(), transform, config.Cache)
	maxBatches := valPassSamples/config.BatchSize + 1
	return NewLoader(samples, config.BatchSize, maxBatches)
}

// NewFolderValLoader builds one sequential pass over an image folder.
func NewFolderValLoader(folder *dataset.ImageFolderDataset, transform preprocessing.Transform, config ValConfig) (*Loader, error) {
	if folder == nil {
		return nil, errors.New("folder dataset cannot be nil")
	}
	if transform == nil {
		return nil, errors.New("transform cannot be nil")
	}

	samples := TransformEntries(folder.Stream(), transform, config.Cache)
	return NewLoader(samples, config.BatchSize, 0)
}
