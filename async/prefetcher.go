// Package async runs data loading ahead of the training loop. A Prefetcher
// wraps a batch stream and keeps a bounded queue of ready batches filled by
// background workers, so decode and batch assembly overlap with the
// optimization step consuming them.
package async

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/training"
)

// ErrStopped is returned by Next after the prefetcher has been stopped.
var ErrStopped = errors.New("prefetcher stopped")

// PrefetcherConfig holds configuration for a Prefetcher.
type PrefetcherConfig struct {
	PrefetchDepth int // number of batches buffered ahead (default: 3)
	Workers       int // number of background workers (default: 2)
}

// Prefetcher pulls batches from a source stream on background workers and
// hands them out through Next. It implements training.BatchStream, so it
// drops into any place a plain stream goes.
//
// With more than one worker the source must be safe for concurrent use and
// batches may be delivered out of source order. A single worker preserves
// order and works with any stream.
type Prefetcher struct {
	source  training.BatchStream
	workers int

	batches chan *training.Batch
	errs    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex    sync.RWMutex
	started  bool
	stopped  bool
	produced uint64
}

// NewPrefetcher creates a prefetcher over the given stream. The stream is
// not consumed until Start.
func NewPrefetcher(source training.BatchStream, config PrefetcherConfig) (*Prefetcher, error) {
	if source == nil {
		return nil, errors.New("source stream cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Prefetcher{
		source:  source,
		workers: config.Workers,
		batches: make(chan *training.Batch, config.PrefetchDepth),
		errs:    make(chan error, config.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the background workers. It can be called once.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		return errors.New("prefetcher is already started")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	// The last worker out closes the queue, which is how Next learns the
	// stream ended.
	go func() {
		p.wg.Wait()
		close(p.batches)
	}()
	return nil
}

// Next returns the next ready batch, blocking until one is available. It
// returns io.EOF once the source is exhausted and the queue has drained,
// ErrStopped after Stop, and the first worker error otherwise.
func (p *Prefetcher) Next() (*training.Batch, error) {
	p.mutex.RLock()
	started := p.started
	p.mutex.RUnlock()
	if !started {
		return nil, errors.New("prefetcher is not started")
	}

	select {
	case batch, ok := <-p.batches:
		if !ok {
			return nil, p.endError()
		}
		return batch, nil
	case err := <-p.errs:
		return nil, err
	case <-p.ctx.Done():
		return nil, ErrStopped
	}
}

// endError decides what a drained, closed queue means.
func (p *Prefetcher) endError() error {
	select {
	case err := <-p.errs:
		return err
	default:
	}
	p.mutex.RLock()
	stopped := p.stopped
	p.mutex.RUnlock()
	if stopped {
		return ErrStopped
	}
	return io.EOF
}

// Len reports the source length when the source knows it, otherwise 0.
func (p *Prefetcher) Len() int {
	if s, ok := p.source.(training.Sized); ok {
		return s.Len()
	}
	return 0
}

// Stop cancels the workers, waits for them to exit, and discards any queued
// batches. It is safe to call more than once and after the stream has
// already ended.
func (p *Prefetcher) Stop() error {
	p.mutex.Lock()
	if !p.started || p.stopped {
		p.mutex.Unlock()
		return nil
	}
	p.stopped = true
	p.mutex.Unlock()

	p.cancel()
	p.wg.Wait()
	for range p.batches {
	}
	return nil
}

// worker pulls from the source until it ends, an error occurs, or the
// prefetcher is cancelled.
func (p *Prefetcher) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		batch, err := p.source.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			select {
			case p.errs <- errors.Wrap(err, "prefetch"):
			default:
			}
			return
		}

		p.mutex.Lock()
		p.produced++
		p.mutex.Unlock()

		select {
		case p.batches <- batch:
		case <-p.ctx.Done():
			return
		}
	}
}

// Stats returns a snapshot of the prefetcher's state.
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return PrefetcherStats{
		IsRunning:       p.started && !p.stopped,
		BatchesProduced: p.produced,
		QueuedBatches:   len(p.batches),
		QueueCapacity:   cap(p.batches),
		Workers:         p.workers,
	}
}

// PrefetcherStats provides statistics about a prefetcher.
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
}
