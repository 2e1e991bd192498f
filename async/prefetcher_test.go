package async

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/training"
)

// syncStream serves a fixed number of distinct batches and is safe for
// concurrent use.
type syncStream struct {
	mu     sync.Mutex
	limit  int
	served []*training.Batch
}

func (s *syncStream) Next() (*training.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.served) >= s.limit {
		return nil, io.EOF
	}
	b := &training.Batch{}
	s.served = append(s.served, b)
	return b, nil
}

func (s *syncStream) Len() int { return s.limit }

// failingSource serves a few batches, then fails.
type failingSource struct {
	mu      sync.Mutex
	healthy int
	err     error
}

func (f *failingSource) Next() (*training.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy <= 0 {
		return nil, f.err
	}
	f.healthy--
	return &training.Batch{}, nil
}

// unsizedStream never ends and reports no length.
type unsizedStream struct{}

func (unsizedStream) Next() (*training.Batch, error) {
	return &training.Batch{}, nil
}

func drain(t *testing.T, p *Prefetcher) []*training.Batch {
	t.Helper()
	var got []*training.Batch
	for {
		batch, err := p.Next()
		if errors.Is(err, io.EOF) {
			return got
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, batch)
	}
}

func TestNewPrefetcherValidation(t *testing.T) {
	if _, err := NewPrefetcher(nil, PrefetcherConfig{}); err == nil {
		t.Error("Expected error for nil source")
	}

	p, err := NewPrefetcher(&syncStream{limit: 1}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	stats := p.Stats()
	if stats.QueueCapacity != 3 {
		t.Errorf("Expected default prefetch depth 3, got %d", stats.QueueCapacity)
	}
	if stats.Workers != 2 {
		t.Errorf("Expected default worker count 2, got %d", stats.Workers)
	}
	if stats.IsRunning {
		t.Error("Expected not running before Start")
	}
}

func TestPrefetcherSingleWorkerPreservesOrder(t *testing.T) {
	source := &syncStream{limit: 10}
	p, err := NewPrefetcher(source, PrefetcherConfig{PrefetchDepth: 2, Workers: 1})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := drain(t, p)
	if len(got) != 10 {
		t.Fatalf("Expected 10 batches, got %d", len(got))
	}
	for i, batch := range got {
		if batch != source.served[i] {
			t.Fatalf("Batch %d delivered out of order", i)
		}
	}

	// Exhaustion is sticky.
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after exhaustion, got %v", err)
	}
	if stats := p.Stats(); stats.BatchesProduced != 10 {
		t.Errorf("Expected 10 batches produced, got %d", stats.BatchesProduced)
	}
}

// TestPrefetcherConcurrentWorkers checks that parallel workers deliver every
// batch exactly once, in whatever order.
func TestPrefetcherConcurrentWorkers(t *testing.T) {
	source := &syncStream{limit: 50}
	p, err := NewPrefetcher(source, PrefetcherConfig{PrefetchDepth: 4, Workers: 4})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := drain(t, p)
	if len(got) != 50 {
		t.Fatalf("Expected 50 batches, got %d", len(got))
	}
	seen := make(map[*training.Batch]bool, len(got))
	for _, batch := range got {
		if seen[batch] {
			t.Fatal("Batch delivered twice")
		}
		seen[batch] = true
	}
	for i, batch := range source.served {
		if !seen[batch] {
			t.Errorf("Batch %d from the source was never delivered", i)
		}
	}
}

func TestPrefetcherPropagatesSourceError(t *testing.T) {
	cause := errors.New("shard unreadable")
	p, err := NewPrefetcher(&failingSource{healthy: 3, err: cause}, PrefetcherConfig{Workers: 1})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Healthy batches and the failure race through separate channels, so the
	// error may arrive before the queue drains.
	delivered := 0
	for i := 0; i < 5; i++ {
		_, err := p.Next()
		if err == nil {
			delivered++
			continue
		}
		if !errors.Is(err, cause) {
			t.Fatalf("Expected the source error, got %v", err)
		}
		if delivered > 3 {
			t.Fatalf("Delivered %d batches from a source with 3", delivered)
		}
		return
	}
	t.Fatal("Source error never surfaced")
}

func TestPrefetcherStop(t *testing.T) {
	p, err := NewPrefetcher(&syncStream{limit: 1 << 30}, PrefetcherConfig{PrefetchDepth: 2, Workers: 2})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := p.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	// Stop must unblock workers stuck sending into the full queue.
	done := make(chan error, 1)
	go func() { done <- p.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return; workers are stuck")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if _, err := p.Next(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}
	if stats := p.Stats(); stats.IsRunning {
		t.Error("Expected not running after Stop")
	}
}

func TestPrefetcherStopWithoutStart(t *testing.T) {
	p, err := NewPrefetcher(&syncStream{limit: 1}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop before Start failed: %v", err)
	}
}

func TestPrefetcherStopAfterExhaustion(t *testing.T) {
	p, err := NewPrefetcher(&syncStream{limit: 3}, PrefetcherConfig{Workers: 1})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := drain(t, p); len(got) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(got))
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop after exhaustion failed: %v", err)
	}
}

func TestPrefetcherLifecycleGuards(t *testing.T) {
	p, err := NewPrefetcher(&syncStream{limit: 1}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if _, err := p.Next(); err == nil {
		t.Error("Expected error from Next before Start")
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("Expected error from second Start")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestPrefetcherLen(t *testing.T) {
	sized, err := NewPrefetcher(&syncStream{limit: 7}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if got := sized.Len(); got != 7 {
		t.Errorf("Expected length 7 from a sized source, got %d", got)
	}

	unsized, err := NewPrefetcher(unsizedStream{}, PrefetcherConfig{})
	if err != nil {
		t.Fatalf("NewPrefetcher failed: %v", err)
	}
	if got := unsized.Len(); got != 0 {
		t.Errorf("Expected length 0 from an unsized source, got %d", got)
	}
}
