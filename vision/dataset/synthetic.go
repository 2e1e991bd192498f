package dataset

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// SyntheticDataset generates deterministic pseudo-images, so pipelines can
// be exercised without fixture files. Sample i is always the same for a
// given seed, and its label is i modulo the class count.
type SyntheticDataset struct {
	samples  int
	classes  int
	channels int
	size     int
	seed     int64
}

// NewSyntheticDataset creates a generator of samples shaped
// [channels, size, size].
func NewSyntheticDataset(samples, classes, channels, size int, seed int64) (*SyntheticDataset, error) {
	if samples <= 0 {
		return nil, errors.Errorf("sample count must be positive, got %d", samples)
	}
	if classes <= 0 {
		return nil, errors.Errorf("class count must be positive, got %d", classes)
	}
	if channels <= 0 || size <= 0 {
		return nil, errors.Errorf("invalid sample shape [%d, %d, %d]", channels, size, size)
	}
	return &SyntheticDataset{
		samples:  samples,
		classes:  classes,
		channels: channels,
		size:     size,
		seed:     seed,
	}, nil
}

// Len returns the number of samples.
func (d *SyntheticDataset) Len() int {
	return d.samples
}

// NumClasses returns the number of classes.
func (d *SyntheticDataset) NumClasses() int {
	return d.classes
}

// Sample generates the sample at the given index.
func (d *SyntheticDataset) Sample(index int) (*Sample, error) {
	if index < 0 || index >= d.samples {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, d.samples)
	}

	rng := rand.New(rand.NewSource(d.seed + int64(index)))
	data := make([]float32, d.channels*d.size*d.size)
	for i := range data {
		data[i] = rng.Float32()
	}
	return &Sample{
		Data:     data,
		Label:    int32(index % d.classes),
		Channels: d.channels,
		Height:   d.size,
		Width:    d.size,
	}, nil
}

// Stream returns a sequential one-pass sample stream.
func (d *SyntheticDataset) Stream() *SyntheticStream {
	return &SyntheticStream{dataset: d}
}

// SyntheticStream yields the dataset's samples in index order.
type SyntheticStream struct {
	dataset *SyntheticDataset
	mu      sync.Mutex
	pos     int
}

// Next returns the next sample, or io.EOF after the last one.
func (s *SyntheticStream) Next() (*Sample, error) {
	s.mu.Lock()
	if s.pos >= s.dataset.Len() {
		s.mu.Unlock()
		return nil, io.EOF
	}
	index := s.pos
	s.pos++
	s.mu.Unlock()

	return s.dataset.Sample(index)
}

// Len returns the total number of samples the stream will yield.
func (s *SyntheticStream) Len() int {
	return s.dataset.Len()
}
