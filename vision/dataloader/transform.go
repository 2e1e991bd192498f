package dataloader

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/vision/dataset"
	"github.com/tsawler/go-tae/vision/preprocessing"
)

// TransformEntries decodes entry image bytes and applies transform,
// producing model-ready samples. The stream holds no state of its own, so
// concurrent callers decode in parallel as long as the entry source and the
// transform allow it.
//
// When cache is non-nil, samples are reused by entry key instead of being
// decoded again. Only deterministic transforms should be cached.
func TransformEntries(entries dataset.EntryStream, transform preprocessing.Transform, cache *SampleCache) dataset.SampleStream {
	return &transformStream{
		entries:   entries,
		transform: transform,
		cache:     cache,
	}
}

type transformStream struct {
	entries   dataset.EntryStream
	transform preprocessing.Transform
	cache     *SampleCache
}

func (s *transformStream) Next() (*dataset.Sample, error) {
	entry, err := s.entries.Next()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if sample, ok := s.cache.Get(entry.Key); ok {
			return sample, nil
		}
	}

	img, err := preprocessing.Decode(bytes.NewReader(entry.Image))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", entry.Key)
	}

	processed, err := s.transform.Apply(img)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to transform %s", entry.Key)
	}

	sample := &dataset.Sample{
		Data:     processed.Data,
		Label:    entry.Label,
		Channels: processed.Channels,
		Height:   processed.Height,
		Width:    processed.Width,
	}
	if s.cache != nil {
		s.cache.Put(entry.Key, sample)
	}
	return sample, nil
}

// Len reports the entry source's length when it is known.
func (s *transformStream) Len() int {
	if sized, ok := s.entries.(interface{ Len() int }); ok {
		return sized.Len()
	}
	return 0
}
