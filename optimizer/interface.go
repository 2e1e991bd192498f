package optimizer

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
)

// Param is one named model parameter tracked by an optimizer. The name keys
// the optimizer's state buffers, so checkpoints resume correctly even if
// parameter order changes between runs.
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}

// ParamGroup is a set of parameters sharing per-group options.
type ParamGroup struct {
	Params      []Param
	WeightDecay float64
}

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update from the gradients currently accumulated
	// on the parameters
	Step() error

	// ZeroGrad clears all parameter gradients
	ZeroGrad()

	// GetLR returns the current learning rate
	GetLR() float64

	// SetLR updates the learning rate (used by schedules)
	SetLR(lr float64)

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of updates applied
	GetStepCount() uint64
}

// AddWeightDecay splits a model's parameters into a no-decay group (biases
// and one-dimensional parameters such as norm gains) and a decayed group
// holding everything else.
func AddWeightDecay(model tae.Model, weightDecay float64) []ParamGroup {
	var decay, noDecay []Param
	for _, p := range model.NamedParameters() {
		param := Param{Name: p.Name, Tensor: p.Tensor}
		if len(p.Tensor.Shape) <= 1 || strings.HasSuffix(p.Name, ".bias") {
			noDecay = append(noDecay, param)
		} else {
			decay = append(decay, param)
		}
	}
	groups := make([]ParamGroup, 0, 2)
	if len(noDecay) > 0 {
		groups = append(groups, ParamGroup{Params: noDecay, WeightDecay: 0})
	}
	if len(decay) > 0 {
		groups = append(groups, ParamGroup{Params: decay, WeightDecay: weightDecay})
	}
	return groups
}

// flattenGroups validates parameter groups and returns the parameters in a
// flat stable order, plus the raw tensor list used for ZeroGrad.
func flattenGroups(groups []ParamGroup) ([]Param, []*tensor.Tensor, error) {
	var params []Param
	var tensors []*tensor.Tensor
	seen := make(map[string]bool)
	for gi, group := range groups {
		if group.WeightDecay < 0 {
			return nil, nil, errors.Errorf("group %d: weight decay must be non-negative, got %v", gi, group.WeightDecay)
		}
		for _, p := range group.Params {
			if p.Name == "" {
				return nil, nil, errors.Errorf("group %d contains a parameter with no name", gi)
			}
			if p.Tensor == nil {
				return nil, nil, errors.Errorf("parameter %s has nil tensor", p.Name)
			}
			if p.Tensor.DType != tensor.Float32 {
				return nil, nil, errors.Errorf("parameter %s must be Float32, got %s", p.Name, p.Tensor.DType)
			}
			if seen[p.Name] {
				return nil, nil, errors.Errorf("duplicate parameter name %s", p.Name)
			}
			seen[p.Name] = true
			params = append(params, p)
			tensors = append(tensors, p.Tensor)
		}
	}
	if len(params) == 0 {
		return nil, nil, errors.New("no parameters provided")
	}
	return params, tensors, nil
}

// validateStateType checks that checkpoint state belongs to this optimizer type
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
