package optimizer

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/tensor"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // Momentum factor (0 disables momentum)
	Dampening    float64 // Dampening for momentum
	Nesterov     bool    // Use Nesterov momentum
}

// DefaultSGDConfig returns default SGD configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum.
// Group weight decay is classic L2: it is added to the gradient before the
// momentum update, unlike AdamW's decoupled form.
type SGD struct {
	mu sync.RWMutex

	groups  []ParamGroup
	params  []Param
	byName  map[string]Param
	tensors []*tensor.Tensor

	learningRate float64
	momentum     float64
	dampening    float64
	nesterov     bool

	// Velocity buffers, keyed by parameter name; empty when momentum is 0
	velocity map[string][]float32

	stepCount uint64
}

// NewSGD creates an SGD optimizer over the given parameter groups.
func NewSGD(groups []ParamGroup, config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1 {
		return nil, errors.Errorf("momentum must be in [0, 1], got %v", config.Momentum)
	}
	if config.Dampening < 0 || config.Dampening > 1 {
		return nil, errors.Errorf("dampening must be in [0, 1], got %v", config.Dampening)
	}
	if config.Nesterov && (config.Momentum == 0 || config.Dampening != 0) {
		return nil, errors.New("nesterov momentum requires a momentum factor and zero dampening")
	}

	params, tensors, err := flattenGroups(groups)
	if err != nil {
		return nil, err
	}

	s := &SGD{
		groups:       groups,
		params:       params,
		byName:       make(map[string]Param, len(params)),
		tensors:      tensors,
		learningRate: config.LearningRate,
		momentum:     config.Momentum,
		dampening:    config.Dampening,
		nesterov:     config.Nesterov,
		velocity:     make(map[string][]float32),
	}
	for _, p := range params {
		s.byName[p.Name] = p
		if config.Momentum != 0 {
			s.velocity[p.Name] = make([]float32, p.Tensor.NumElems)
		}
	}
	return s, nil
}

// Step applies one SGD update from the gradients currently stored on the
// parameters. Parameters without a gradient are skipped.
func (s *SGD) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCount++

	for _, group := range s.groups {
		for _, p := range group.Params {
			t := p.Tensor
			if !t.RequiresGrad() || t.Grad() == nil {
				continue
			}
			weights := t.Data.([]float32)
			grads := t.Grad().Data.([]float32)
			if len(grads) != len(weights) {
				return errors.Errorf("parameter %s: gradient has %d values, expected %d", p.Name, len(grads), len(weights))
			}

			velocity := s.velocity[p.Name]
			for i := range weights {
				g := float64(grads[i])
				if group.WeightDecay != 0 {
					g += group.WeightDecay * float64(weights[i])
				}
				if s.momentum != 0 {
					vi := s.momentum*float64(velocity[i]) + (1.0-s.dampening)*g
					velocity[i] = float32(vi)
					if s.nesterov {
						g += s.momentum * vi
					} else {
						g = vi
					}
				}
				weights[i] = float32(float64(weights[i]) - s.learningRate*g)
			}
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients
func (s *SGD) ZeroGrad() {
	tensor.ZeroGrad(s.tensors)
}

// GetLR returns the current learning rate
func (s *SGD) GetLR() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.learningRate
}

// SetLR updates the learning rate
func (s *SGD) SetLR(lr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learningRate = lr
}

// GetStepCount returns the number of updates applied
func (s *SGD) GetStepCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepCount
}

// GetState extracts the optimizer state for checkpointing
func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.learningRate,
			"momentum":      s.momentum,
			"dampening":     s.dampening,
			"nesterov":      s.nesterov,
			"step_count":    float64(s.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, len(s.velocity)),
	}
	for _, p := range s.params {
		if v, exists := s.velocity[p.Name]; exists {
			state.StateData = append(state.StateData,
				snapshotBuffer("velocity_"+p.Name, "momentum", p.Tensor.Shape, v))
		}
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint. Velocity buffers are
// rebuilt from the state, so a run resumed with momentum enabled continues
// from the saved velocities.
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	lr, err := extractFloat64Param(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	momentum, err := extractFloat64Param(state.Parameters, "momentum")
	if err != nil {
		return err
	}
	dampening, err := extractFloat64Param(state.Parameters, "dampening")
	if err != nil {
		return err
	}
	nesterov, err := extractBoolParam(state.Parameters, "nesterov")
	if err != nil {
		return err
	}
	stepCount, err := extractUint64Param(state.Parameters, "step_count")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	velocity := make(map[string][]float32, len(state.StateData))
	for i := range state.StateData {
		st := &state.StateData[i]
		if len(st.Name) <= 9 || st.Name[:9] != "velocity_" || st.StateType != "momentum" {
			return errors.Errorf("unrecognized state tensor %s (%s)", st.Name, st.StateType)
		}
		name := st.Name[9:]
		p, exists := s.byName[name]
		if !exists {
			return errors.Errorf("state tensor %s references unknown parameter %s", st.Name, name)
		}
		if !shapesEqual(st.Shape, p.Tensor.Shape) {
			return errors.Errorf("state tensor %s shape %v does not match parameter shape %v", st.Name, st.Shape, p.Tensor.Shape)
		}
		if len(st.Data) != p.Tensor.NumElems {
			return errors.Errorf("state tensor %s has %d values, parameter has %d", st.Name, len(st.Data), p.Tensor.NumElems)
		}
		velocity[name] = append([]float32(nil), st.Data...)
	}
	if momentum != 0 && len(velocity) != len(s.params) {
		return errors.Errorf("optimizer state incomplete: %d velocity tensors for %d parameters",
			len(velocity), len(s.params))
	}

	s.learningRate = lr
	s.momentum = momentum
	s.dampening = dampening
	s.nesterov = nesterov
	s.stepCount = stepCount
	s.velocity = velocity
	return nil
}
