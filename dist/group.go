package dist

import (
	"sync"

	"github.com/pkg/errors"
)

// NewGroup creates an in-process communicator group of size n, one member
// per participant. Members share memory, so collectives reduce under a lock
// instead of over a wire; the blocking semantics match a real group. Used by
// tests and by the two-stage regime's device workers.
func NewGroup(n int) ([]Communicator, error) {
	if n <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", n)
	}
	s := &groupState{n: n}
	s.cond = sync.NewCond(&s.mu)
	members := make([]Communicator, n)
	for i := range members {
		members[i] = &member{rank: i, state: s}
	}
	return members, nil
}

// groupState is shared by all members of one group. Generation counters let
// the same group run any number of sequential collectives.
type groupState struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int

	// A layout mismatch between ranks leaves the group unusable; the
	// first error sticks and every later call returns it.
	broken error

	barrierArrived int
	barrierGen     int

	reduceCount int
	reduceGen   int
	sum         []float64
	result      []float64
}

type member struct {
	rank  int
	state *groupState
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.state.n }
func (m *member) IsMain() bool   { return m.rank == 0 }

func (m *member) AllReduceFloat64s(values []float64) error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}

	if s.reduceCount == 0 {
		s.sum = make([]float64, len(values))
	}
	if len(values) != len(s.sum) {
		s.broken = errors.Errorf("allreduce length mismatch: rank %d has %d values, reduction started with %d",
			m.rank, len(values), len(s.sum))
		s.cond.Broadcast()
		return s.broken
	}
	for i, v := range values {
		s.sum[i] += v
	}
	s.reduceCount++

	gen := s.reduceGen
	if s.reduceCount == s.n {
		s.result = s.sum
		s.sum = nil
		s.reduceCount = 0
		s.reduceGen++
		s.cond.Broadcast()
	} else {
		for gen == s.reduceGen && s.broken == nil {
			s.cond.Wait()
		}
		if s.broken != nil {
			return s.broken
		}
	}

	copy(values, s.result)
	return nil
}

func (m *member) Barrier() error {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}

	s.barrierArrived++
	gen := s.barrierGen
	if s.barrierArrived == s.n {
		s.barrierArrived = 0
		s.barrierGen++
		s.cond.Broadcast()
		return nil
	}
	for gen == s.barrierGen && s.broken == nil {
		s.cond.Wait()
	}
	return s.broken
}
