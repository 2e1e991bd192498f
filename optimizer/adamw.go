package optimizer

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/tensor"
)

// AdamWConfig holds configuration for the AdamW optimizer. Weight decay is
// a per-group setting, not a config field; see AddWeightDecay.
type AdamWConfig struct {
	LearningRate float64
	Beta1        float64 // First-moment decay (typically 0.9)
	Beta2        float64 // Second-moment decay (0.95 in the recognition recipes)
	Epsilon      float64 // Small constant to prevent division by zero
}

// DefaultAdamWConfig returns the configuration used by the recognition
// training recipes.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.95,
		Epsilon:      1e-8,
	}
}

// AdamW implements Adam with decoupled weight decay: the decay shrinks the
// weights directly, scaled by the learning rate, instead of being folded
// into the gradient the way classic L2 regularization is.
type AdamW struct {
	mu sync.RWMutex

	groups  []ParamGroup
	params  []Param
	byName  map[string]Param
	tensors []*tensor.Tensor

	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64

	// First and second moment estimates, keyed by parameter name
	m map[string][]float32
	v map[string][]float32

	stepCount uint64
}

// NewAdamW creates an AdamW optimizer over the given parameter groups.
// Moment buffers start at zero.
func NewAdamW(groups []ParamGroup, config AdamWConfig) (*AdamW, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1), got %v", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1), got %v", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %v", config.Epsilon)
	}

	params, tensors, err := flattenGroups(groups)
	if err != nil {
		return nil, err
	}

	a := &AdamW{
		groups:       groups,
		params:       params,
		byName:       make(map[string]Param, len(params)),
		tensors:      tensors,
		learningRate: config.LearningRate,
		beta1:        config.Beta1,
		beta2:        config.Beta2,
		epsilon:      config.Epsilon,
		m:            make(map[string][]float32, len(params)),
		v:            make(map[string][]float32, len(params)),
	}
	for _, p := range params {
		a.byName[p.Name] = p
		a.m[p.Name] = make([]float32, p.Tensor.NumElems)
		a.v[p.Name] = make([]float32, p.Tensor.NumElems)
	}
	return a, nil
}

// Step applies one AdamW update from the gradients currently stored on the
// parameters. Parameters without a gradient are skipped.
func (a *AdamW) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stepCount++
	bias1 := 1.0 - math.Pow(a.beta1, float64(a.stepCount))
	bias2 := 1.0 - math.Pow(a.beta2, float64(a.stepCount))

	for _, group := range a.groups {
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

			m := a.m[p.Name]
			v := a.v[p.Name]
			for i := range weights {
				g := float64(grads[i])

				mi := a.beta1*float64(m[i]) + (1.0-a.beta1)*g
				vi := a.beta2*float64(v[i]) + (1.0-a.beta2)*g*g
				m[i] = float32(mi)
				v[i] = float32(vi)

				w := float64(weights[i])
				if group.WeightDecay != 0 {
					w -= a.learningRate * group.WeightDecay * w
				}

				mHat := mi / bias1
				vHat := vi / bias2
				w -= a.learningRate * mHat / (math.Sqrt(vHat) + a.epsilon)

				weights[i] = float32(w)
			}
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients
func (a *AdamW) ZeroGrad() {
	tensor.ZeroGrad(a.tensors)
}

// GetLR returns the current learning rate
func (a *AdamW) GetLR() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.learningRate
}

// SetLR updates the learning rate
func (a *AdamW) SetLR(lr float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.learningRate = lr
}

// GetStepCount returns the number of updates applied
func (a *AdamW) GetStepCount() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stepCount
}

// GetState extracts the optimizer state for checkpointing. Moment buffers
// are deep-copied.
func (a *AdamW) GetState() (*checkpoints.OptimizerState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "AdamW",
		Parameters: map[string]interface{}{
			"learning_rate": a.learningRate,
			"beta1":         a.beta1,
			"beta2":         a.beta2,
			"epsilon":       a.epsilon,
			"step_count":    float64(a.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(a.params)),
	}
	for _, p := range a.params {
		state.StateData = append(state.StateData,
			snapshotBuffer("m_"+p.Name, "momentum", p.Tensor.Shape, a.m[p.Name]),
			snapshotBuffer("v_"+p.Name, "variance", p.Tensor.Shape, a.v[p.Name]))
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint. The state must cover
// every tracked parameter exactly; nothing is mutated if validation fails.
func (a *AdamW) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("AdamW", state); err != nil {
		return err
	}

	lr, err := extractFloat64Param(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	beta1, err := extractFloat64Param(state.Parameters, "beta1")
	if err != nil {
		return err
	}
	beta2, err := extractFloat64Param(state.Parameters, "beta2")
	if err != nil {
		return err
	}
	epsilon, err := extractFloat64Param(state.Parameters, "epsilon")
	if err != nil {
		return err
	}
	stepCount, err := extractUint64Param(state.Parameters, "step_count")
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	type restore struct {
		dst []float32
		src *checkpoints.OptimizerTensor
	}
	pending := make([]restore, 0, len(state.StateData))
	seenM := 0
	seenV := 0
	for i := range state.StateData {
		st := &state.StateData[i]
		var buffers map[string][]float32
		var name string
		switch {
		case len(st.Name) > 2 && st.Name[:2] == "m_" && st.StateType == "momentum":
			buffers, name = a.m, st.Name[2:]
			seenM++
		case len(st.Name) > 2 && st.Name[:2] == "v_" && st.StateType == "variance":
			buffers, name = a.v, st.Name[2:]
			seenV++
		default:
			return errors.Errorf("unrecognized state tensor %s (%s)", st.Name, st.StateType)
		}
		p, exists := a.byName[name]
		if !exists {
			return errors.Errorf("state tensor %s references unknown parameter %s", st.Name, name)
		}
		if !shapesEqual(st.Shape, p.Tensor.Shape) {
			return errors.Errorf("state tensor %s shape %v does not match parameter shape %v", st.Name, st.Shape, p.Tensor.Shape)
		}
		if len(st.Data) != len(buffers[name]) {
			return errors.Errorf("state tensor %s has %d values, parameter has %d", st.Name, len(st.Data), len(buffers[name]))
		}
		pending = append(pending, restore{dst: buffers[name], src: st})
	}
	if seenM != len(a.params) || seenV != len(a.params) {
		return errors.Errorf("optimizer state incomplete: %d momentum and %d variance tensors for %d parameters",
			seenM, seenV, len(a.params))
	}

	for _, r := range pending {
		if err := restoreBuffer(r.dst, r.src); err != nil {
			return err
		}
	}
	a.learningRate = lr
	a.beta1 = beta1
	a.beta2 = beta2
	a.epsilon = epsilon
	a.stepCount = stepCount
	return nil
}

// AdamWStats provides statistics about the optimizer
type AdamWStats struct {
	StepCount     uint64
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	NumParameters int
	StateValues   int
}

// GetStats returns optimizer statistics
func (a *AdamW) GetStats() AdamWStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	values := 0
	for _, m := range a.m {
		values += 2 * len(m)
	}
	return AdamWStats{
		StepCount:     a.stepCount,
		LearningRate:  a.learningRate,
		Beta1:         a.beta1,
		Beta2:         a.beta2,
		Epsilon:       a.epsilon,
		NumParameters: len(a.params),
		StateValues:   values,
	}
}
