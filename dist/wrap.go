package dist

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/tensor"
)

// Parameterized is the slice of the model interface gradient averaging
// needs.
type Parameterized interface {
	Parameters() []*tensor.Tensor
}

// Distributed synchronizes a model's gradients across a communicator group.
// It is constructed per process for the duration of training and wraps the
// model without owning it.
type Distributed struct {
	model Parameterized
	comm  Communicator
	buf   []float64
}

// Wrap creates the distributed-execution wrapper for one process's model
func Wrap(model Parameterized, comm Communicator) *Distributed {
	return &Distributed{model: model, comm: comm}
}

// Model returns the wrapped model
func (d *Distributed) Model() Parameterized {
	return d.model
}

// SyncGradients averages gradients across the group. Call it after backward
// and before the optimizer step. Every rank must reach it with gradients on
// the same parameters; a layout mismatch fails the whole group.
func (d *Distributed) SyncGradients() error {
	if d.comm.WorldSize() == 1 {
		return nil
	}

	var grads [][]float32
	total := 0
	for _, p := range d.model.Parameters() {
		if !p.RequiresGrad() || p.Grad() == nil {
			continue
		}
		g := p.Grad().Data.([]float32)
		grads = append(grads, g)
		total += len(g)
	}
	if total == 0 {
		return nil
	}

	if cap(d.buf) < total {
		d.buf = make([]float64, total)
	}
	buf := d.buf[:total]
	off := 0
	for _, g := range grads {
		for i, v := range g {
			buf[off+i] = float64(v)
		}
		off += len(g)
	}

	if err := d.comm.AllReduceFloat64s(buf); err != nil {
		return errors.Wrap(err, "gradient allreduce failed")
	}

	world := float64(d.comm.WorldSize())
	off = 0
	for _, g := range grads {
		for i := range g {
			g[i] = float32(buf[off+i] / world)
		}
		off += len(g)
	}
	return nil
}
