package dataloader

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/vision/dataset"
)

// DefaultShuffleSize is the number of entries held in the shuffle window
// when no size is configured.
const DefaultShuffleSize = 10000

// ShuffleEntries returns a stream that yields entries from source in random
// order. It keeps a window of up to size entries, refills the window from
// the source before every pick, and picks uniformly from it. A finite source
// comes out as an exact permutation; an endless source is mixed within the
// window. Next is safe for concurrent use.
func ShuffleEntries(source dataset.EntryStream, size int, seed int64) dataset.EntryStream {
	if size <= 0 {
		size = DefaultShuffleSize
	}
	return &shuffleStream{
		source: source,
		size:   size,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

type shuffleStream struct {
	source dataset.EntryStream
	size   int

	mu     sync.Mutex
	rng    *rand.Rand
	buffer []*dataset.Entry
	done   bool
}

func (s *shuffleStream) Next() (*dataset.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.done && len(s.buffer) < s.size {
		entry, err := s.source.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		s.buffer = append(s.buffer, entry)
	}

	if len(s.buffer) == 0 {
		return nil, io.EOF
	}

	i := s.rng.Intn(len(s.buffer))
	entry := s.buffer[i]
	last := len(s.buffer) - 1
	s.buffer[i] = s.buffer[last]
	s.buffer[last] = nil
	s.buffer = s.buffer[:last]
	return entry, nil
}

// Len reports the source's length when it is known. Shuffling does not
// change how many entries come out.
func (s *shuffleStream) Len() int {
	if sized, ok := s.source.(interface{ Len() int }); ok {
		return sized.Len()
	}
	return 0
}
