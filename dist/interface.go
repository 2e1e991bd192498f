package dist

// Communicator coordinates the processes that train one model together.
// Collectives are synchronous: every member of the group must make the same
// sequence of calls, and a missing participant stalls the rest.
type Communicator interface {
	// Rank returns this process's index in the group
	Rank() int

	// WorldSize returns the number of processes in the group
	WorldSize() int

	// IsMain reports whether this is the coordinating process (rank 0)
	IsMain() bool

	// AllReduceFloat64s sums values element-wise across the group and
	// writes the result back into the slice on every member
	AllReduceFloat64s(values []float64) error

	// Barrier blocks until every member of the group has reached it
	Barrier() error
}

// Single returns the communicator for a single-process run. All collectives
// are no-ops.
func Single() Communicator {
	return single{}
}

type single struct{}

func (single) Rank() int                         { return 0 }
func (single) WorldSize() int                    { return 1 }
func (single) IsMain() bool                      { return true }
func (single) AllReduceFloat64s([]float64) error { return nil }
func (single) Barrier() error                    { return nil }
