package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/optimizer"
	"github.com/tsawler/go-tae/tensor"
)

// Loss scaling defaults, matching the usual mixed-precision schedule.
const (
	DefaultInitScale      = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// LossScaler implements dynamic loss scaling. Losses are multiplied by the
// current scale before the backward pass; on the update boundary the
// gradients are unscaled and checked, and the optimizer step is skipped
// whenever a non-finite gradient shows up. The scale backs off after an
// overflow and grows again after a run of good steps.
type LossScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int // consecutive good steps since the last scale change
	stepCount      uint64
	skipCount      uint64
}

// NewLossScaler creates a scaler with the default schedule.
func NewLossScaler() *LossScaler {
	return &LossScaler{
		scale:          DefaultInitScale,
		growthFactor:   DefaultGrowthFactor,
		backoffFactor:  DefaultBackoffFactor,
		growthInterval: DefaultGrowthInterval,
	}
}

// Scale returns the current loss scale.
func (ls *LossScaler) Scale() float64 {
	return ls.scale
}

// ScaleLoss multiplies the loss by the current scale inside the autograd
// graph, so the backward pass produces scaled gradients.
func (ls *LossScaler) ScaleLoss(loss *tensor.Tensor) *tensor.Tensor {
	if ls.scale == 1.0 {
		return loss
	}
	return tensor.MulAutograd(loss, tensor.FromScalar(ls.scale, tensor.Float32))
}

// Step unscales the gradients of params in place, optionally clips them by
// global norm (clipNorm 0 disables clipping), and applies the optimizer step
// when every gradient is finite. On overflow the step is skipped and the
// scale backs off. Returns the total gradient norm after unscaling and
// whether the step ran. The caller zeroes the gradients afterwards in either
// case.
func (ls *LossScaler) Step(opt optimizer.Optimizer, params []*tensor.Tensor, clipNorm float64) (float64, bool, error) {
	if opt == nil {
		return 0, false, errors.New("loss scaler requires an optimizer")
	}

	inv := 1.0 / ls.scale
	sumSq := 0.0
	grads := make([][]float32, 0, len(params))
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		data, err := g.GetFloat32Data()
		if err != nil {
			return 0, false, errors.Wrap(err, "gradient buffer")
		}
		for i, v := range data {
			u := float64(v) * inv
			data[i] = float32(u)
			sumSq += u * u
		}
		grads = append(grads, data)
	}
	norm := math.Sqrt(sumSq)

	// A non-finite norm means some gradient overflowed at the current scale:
	// skip the step and back the scale off.
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		ls.scale *= ls.backoffFactor
		ls.growthTracker = 0
		ls.skipCount++
		return norm, false, nil
	}

	if clipNorm > 0 && norm > clipNorm {
		factor := float32(clipNorm / (norm + 1e-6))
		for _, data := range grads {
			for i := range data {
				data[i] *= factor
			}
		}
	}

	if err := opt.Step(); err != nil {
		return norm, false, errors.Wrap(err, "optimizer step")
	}
	ls.stepCount++
	ls.growthTracker++
	if ls.growthTracker >= ls.growthInterval {
		ls.scale *= ls.growthFactor
		ls.growthTracker = 0
	}
	return norm, true, nil
}

// State exports the scaler for checkpointing.
func (ls *LossScaler) State() *checkpoints.ScalerState {
	return &checkpoints.ScalerState{
		Scale:          ls.scale,
		GrowthFactor:   ls.growthFactor,
		BackoffFactor:  ls.backoffFactor,
		GrowthInterval: ls.growthInterval,
		GrowthTracker:  ls.growthTracker,
		StepCount:      ls.stepCount,
		SkipCount:      ls.skipCount,
	}
}

// LoadState restores the scaler from checkpointed state.
func (ls *LossScaler) LoadState(state *checkpoints.ScalerState) error {
	if state == nil {
		return errors.New("scaler state is nil")
	}
	if state.Scale <= 0 || math.IsNaN(state.Scale) || math.IsInf(state.Scale, 0) {
		return errors.Errorf("invalid scale %v", state.Scale)
	}
	if state.GrowthFactor <= 1.0 {
		return errors.Errorf("invalid growth factor %v", state.GrowthFactor)
	}
	if state.BackoffFactor <= 0 || state.BackoffFactor >= 1.0 {
		return errors.Errorf("invalid backoff factor %v", state.BackoffFactor)
	}
	if state.GrowthInterval <= 0 {
		return errors.Errorf("invalid growth interval %d", state.GrowthInterval)
	}
	if state.GrowthTracker < 0 {
		return errors.Errorf("invalid growth tracker %d", state.GrowthTracker)
	}

	ls.scale = state.Scale
	ls.growthFactor = state.GrowthFactor
	ls.backoffFactor = state.BackoffFactor
	ls.growthInterval = state.GrowthInterval
	ls.growthTracker = state.GrowthTracker
	ls.stepCount = state.StepCount
	ls.skipCount = state.SkipCount
	return nil
}
