package dataset

import (
	"archive/tar"
	"io"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ShardDataset reads samples from tar shards. Each sample is a pair of
// consecutive members sharing a key: <key>.jpg (or .jpeg/.png) holding the
// encoded image and <key>.cls holding the decimal class index. Members
// with other extensions are ignored.
type ShardDataset struct {
	shards []string
}

// NewShardDataset resolves a glob pattern to a sorted list of shard files.
func NewShardDataset(pattern string) (*ShardDataset, error) {
	shards, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve shard pattern %s", pattern)
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("no shards match %s", pattern)
	}
	return &ShardDataset{shards: shards}, nil
}

// NumShards returns the number of shard files.
func (d *ShardDataset) NumShards() int {
	return len(d.shards)
}

// Sequential returns a one-pass stream over the shards in sorted order.
func (d *ShardDataset) Sequential() *ShardStream {
	return &ShardStream{shards: d.shards}
}

// Resampled returns an endless stream that opens shards at random with
// replacement. Sample order within a shard is preserved; randomness across
// samples comes from the shuffle buffer downstream.
func (d *ShardDataset) Resampled(seed int64) *ShardStream {
	return &ShardStream{shards: d.shards, rng: rand.New(rand.NewSource(seed))}
}

// ShardStream yields entries from a shard list. Safe for concurrent use;
// entries come out in shard order, one shard at a time.
type ShardStream struct {
	shards []string
	rng    *rand.Rand // nil means one sequential pass

	mu       sync.Mutex
	shardIdx int
	file     *os.File
	tr       *tar.Reader
	current  string

	pendingKey string
	pendingImg []byte
	pendingCls []byte
}

// Next returns the next sample entry. A sequential stream returns io.EOF
// after the last shard; a resampled stream never ends.
func (s *ShardStream) Next() (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.tr == nil {
			if err := s.openNext(); err != nil {
				return nil, err
			}
		}

		hdr, err := s.tr.Next()
		if errors.Is(err, io.EOF) {
			entry, err := s.finishShard()
			if err != nil {
				return nil, err
			}
			if entry != nil {
				return entry, nil
			}
			continue
		}
		if err != nil {
			shard := s.current
			s.closeShard()
			return nil, errors.Wrapf(err, "read shard %s", shard)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		key, ext, ok := splitSampleName(hdr.Name)
		if !ok {
			continue
		}

		// A new key completes the sample being collected.
		var done *Entry
		if s.pendingKey != "" && key != s.pendingKey {
			entry, err := s.buildPending()
			if err != nil {
				return nil, err
			}
			done = entry
		}
		if s.pendingKey != key {
			s.pendingKey = key
			s.pendingImg = nil
			s.pendingCls = nil
		}

		data, err := io.ReadAll(s.tr)
		if err != nil {
			shard := s.current
			s.closeShard()
			return nil, errors.Wrapf(err, "read %s from shard %s", hdr.Name, shard)
		}
		switch ext {
		case "jpg", "jpeg", "png":
			s.pendingImg = data
		case "cls":
			s.pendingCls = data
		}

		if done != nil {
			return done, nil
		}
	}
}

// openNext opens the next shard: the following one in sequence, or a
// random pick when resampling.
func (s *ShardStream) openNext() error {
	var shard string
	if s.rng != nil {
		shard = s.shards[s.rng.Intn(len(s.shards))]
	} else {
		if s.shardIdx >= len(s.shards) {
			return io.EOF
		}
		shard = s.shards[s.shardIdx]
		s.shardIdx++
	}

	f, err := os.Open(shard)
	if err != nil {
		return errors.Wrapf(err, "open shard %s", shard)
	}
	s.file = f
	s.tr = tar.NewReader(f)
	s.current = shard
	return nil
}

// finishShard flushes the sample collected at the end of a shard and
// closes it.
func (s *ShardStream) finishShard() (*Entry, error) {
	var entry *Entry
	if s.pendingKey != "" {
		e, err := s.buildPending()
		if err != nil {
			s.closeShard()
			return nil, err
		}
		entry = e
	}
	s.closeShard()
	return entry, nil
}

func (s *ShardStream) closeShard() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.tr = nil
	s.current = ""
}

// buildPending turns the collected pair into an entry.
func (s *ShardStream) buildPending() (*Entry, error) {
	if s.pendingImg == nil {
		return nil, errors.Errorf("sample %s in shard %s has no image", s.pendingKey, s.current)
	}
	if s.pendingCls == nil {
		return nil, errors.Errorf("sample %s in shard %s has no class file", s.pendingKey, s.current)
	}
	label, err := strconv.Atoi(strings.TrimSpace(string(s.pendingCls)))
	if err != nil {
		return nil, errors.Wrapf(err, "parse class of sample %s in shard %s", s.pendingKey, s.current)
	}

	entry := &Entry{
		Key:   s.current + ":" + s.pendingKey,
		Image: s.pendingImg,
		Label: int32(label),
	}
	s.pendingKey = ""
	s.pendingImg = nil
	s.pendingCls = nil
	return entry, nil
}

// splitSampleName splits a tar member name into sample key and extension.
// The key is the member path up to the first dot of its base name.
func splitSampleName(name string) (key, ext string, ok bool) {
	base := path.Base(name)
	i := strings.Index(base, ".")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	key = base[:i]
	if dir := path.Dir(name); dir != "." {
		key = dir + "/" + key
	}
	return key, strings.ToLower(base[i+1:]), true
}
