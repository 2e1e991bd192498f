package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
)

func TestDefaultAdamWConfig(t *testing.T) {
	config := DefaultAdamWConfig()

	if config.LearningRate != 1e-4 {
		t.Errorf("Expected LearningRate 1e-4, got %v", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected Beta1 0.9, got %v", config.Beta1)
	}
	if config.Beta2 != 0.95 {
		t.Errorf("Expected Beta2 0.95, got %v", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected Epsilon 1e-8, got %v", config.Epsilon)
	}
}

func TestNewAdamWValidation(t *testing.T) {
	p := newParam(t, "w", []int{2}, []float32{1, 2})
	groups := singleGroup(p, 0)

	tests := []struct {
		name   string
		mutate func(*AdamWConfig)
	}{
		{"zero learning rate", func(c *AdamWConfig) { c.LearningRate = 0 }},
		{"negative learning rate", func(c *AdamWConfig) { c.LearningRate = -0.1 }},
		{"beta1 at one", func(c *AdamWConfig) { c.Beta1 = 1.0 }},
		{"negative beta2", func(c *AdamWConfig) { c.Beta2 = -0.1 }},
		{"zero epsilon", func(c *AdamWConfig) { c.Epsilon = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultAdamWConfig()
			tt.mutate(&config)
			if _, err := NewAdamW(groups, config); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}

	if _, err := NewAdamW(nil, DefaultAdamWConfig()); err == nil {
		t.Error("Expected error for empty parameter groups")
	}
}

// With beta1 == beta2 and a constant gradient of +/-1, the bias-corrected
// update is exactly lr/(1+eps) per step, which makes the trajectory easy to
// verify by hand.
func TestAdamWStep(t *testing.T) {
	p := newParam(t, "w", []int{2}, []float32{1.0, 2.0})
	config := AdamWConfig{LearningRate: 0.1, Beta1: 0.5, Beta2: 0.5, Epsilon: 1e-8}
	opt, err := NewAdamW(singleGroup(p, 0), config)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	steps := 3
	for i := 0; i < steps; i++ {
		applyGrad(t, p, []float32{1.0, -1.0})
		if err := opt.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		opt.ZeroGrad()
	}

	if opt.GetStepCount() != uint64(steps) {
		t.Errorf("Expected step count %d, got %d", steps, opt.GetStepCount())
	}

	weights := p.Tensor.Data.([]float32)
	expected := []float64{1.0 - 0.3, 2.0 + 0.3}
	for i, want := range expected {
		if math.Abs(float64(weights[i])-want) > 1e-5 {
			t.Errorf("Weight %d mismatch: expected %v, got %v", i, want, weights[i])
		}
	}
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	// A zero gradient leaves the moments at zero, so the only movement is
	// the decay term: w *= (1 - lr*wd) each step, independent of gradients.
	p := newParam(t, "w", []int{1}, []float32{1.0})
	config := AdamWConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.95, Epsilon: 1e-8}
	opt, err := NewAdamW(singleGroup(p, 0.5), config)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	expected := 1.0
	for i := 0; i < 2; i++ {
		applyGrad(t, p, []float32{0.0})
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		opt.ZeroGrad()
		expected *= 1.0 - 0.1*0.5
	}

	got := p.Tensor.Data.([]float32)[0]
	if math.Abs(float64(got)-expected) > 1e-6 {
		t.Errorf("Expected weight %v after decay, got %v", expected, got)
	}
}

func TestAdamWNoDecayGroup(t *testing.T) {
	decayed := newParam(t, "head.weight", []int{1}, []float32{1.0})
	undecayed := newParam(t, "head.bias", []int{1}, []float32{1.0})
	groups := []ParamGroup{
		{Params: []Param{undecayed}, WeightDecay: 0},
		{Params: []Param{decayed}, WeightDecay: 0.5},
	}
	opt, err := NewAdamW(groups, AdamWConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.95, Epsilon: 1e-8})
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	applyGrad(t, decayed, []float32{0.0})
	applyGrad(t, undecayed, []float32{0.0})
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if got := undecayed.Tensor.Data.([]float32)[0]; got != 1.0 {
		t.Errorf("Undecayed parameter moved: expected 1.0, got %v", got)
	}
	if got := decayed.Tensor.Data.([]float32)[0]; got >= 1.0 {
		t.Errorf("Decayed parameter did not shrink: got %v", got)
	}
}

func TestAdamWSkipsMissingGrad(t *testing.T) {
	active := newParam(t, "a", []int{1}, []float32{1.0})
	idle := newParam(t, "b", []int{1}, []float32{5.0})
	groups := []ParamGroup{{Params: []Param{active, idle}}}
	opt, err := NewAdamW(groups, DefaultAdamWConfig())
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	applyGrad(t, active, []float32{1.0})
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if got := idle.Tensor.Data.([]float32)[0]; got != 5.0 {
		t.Errorf("Parameter without gradient moved: expected 5.0, got %v", got)
	}
	if got := active.Tensor.Data.([]float32)[0]; got >= 1.0 {
		t.Errorf("Parameter with gradient did not move: got %v", got)
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", opt.GetStepCount())
	}
}

func TestAdamWLearningRate(t *testing.T) {
	p := newParam(t, "w", []int{1}, []float32{1.0})
	opt, err := NewAdamW(singleGroup(p, 0), DefaultAdamWConfig())
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	if opt.GetLR() != 1e-4 {
		t.Errorf("Expected initial LR 1e-4, got %v", opt.GetLR())
	}
	opt.SetLR(0.01)
	if opt.GetLR() != 0.01 {
		t.Errorf("Expected LR 0.01 after SetLR, got %v", opt.GetLR())
	}
}

// probeBatch builds a fixed two-sample batch for resume tests
func probeBatch(t *testing.T) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	inputs, err := tensor.NewTensor([]int{2, 4}, tensor.Float32, []float32{
		0.5, -0.3, 0.8, 0.1,
		-0.2, 0.7, -0.5, 0.4,
	})
	if err != nil {
		t.Fatalf("Failed to create inputs: %v", err)
	}
	labels, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 2})
	if err != nil {
		t.Fatalf("Failed to create labels: %v", err)
	}
	return inputs, labels
}

// probeStep runs one forward/backward/update cycle on a classification head
func probeStep(t *testing.T, model tae.Model, opt Optimizer, inputs, labels *tensor.Tensor) {
	t.Helper()
	logits, err := model.Forward(inputs)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	loss := tensor.CrossEntropyAutograd(logits, labels)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	opt.ZeroGrad()
}

func TestAdamWStateRoundTrip(t *testing.T) {
	inputs, labels := probeBatch(t)

	tae.SetRandomSeed(42)
	modelA, err := tae.NewLinearProbe(4, 3)
	if err != nil {
		t.Fatalf("Failed to create model A: %v", err)
	}
	optA, err := NewAdamW(AddWeightDecay(modelA, 0.05), DefaultAdamWConfig())
	if err != nil {
		t.Fatalf("Failed to create optimizer A: %v", err)
	}

	for i := 0; i < 3; i++ {
		probeStep(t, modelA, optA, inputs, labels)
	}

	state, err := optA.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "AdamW" {
		t.Errorf("Expected state type AdamW, got %s", state.Type)
	}
	if got := state.Parameters["step_count"]; got != float64(3) {
		t.Errorf("Expected step_count 3, got %v", got)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors (m and v for 2 parameters), got %d", len(state.StateData))
	}
	names := make(map[string]bool)
	for _, st := range state.StateData {
		names[st.Name] = true
	}
	for _, want := range []string{"m_head.weight", "v_head.weight", "m_head.bias", "v_head.bias"} {
		if !names[want] {
			t.Errorf("Expected state tensor %s, got %v", want, names)
		}
	}

	// A different random init stands in for a fresh process; weights and
	// optimizer state both come from the "checkpoint".
	tae.SetRandomSeed(7)
	modelB, err := tae.NewLinearProbe(4, 3)
	if err != nil {
		t.Fatalf("Failed to create model B: %v", err)
	}
	if err := modelB.LoadStateDict(modelA.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	optB, err := NewAdamW(AddWeightDecay(modelB, 0.05), DefaultAdamWConfig())
	if err != nil {
		t.Fatalf("Failed to create optimizer B: %v", err)
	}
	if err := optB.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if optB.GetStepCount() != 3 {
		t.Errorf("Expected restored step count 3, got %d", optB.GetStepCount())
	}

	// Identical state and identical batches must stay in lockstep.
	for i := 0; i < 2; i++ {
		probeStep(t, modelA, optA, inputs, labels)
		probeStep(t, modelB, optB, inputs, labels)
	}
	stateB := modelB.StateDict()
	for name, wa := range modelA.StateDict() {
		equal, err := wa.Equal(stateB[name])
		if err != nil {
			t.Fatalf("Comparison failed for %s: %v", name, err)
		}
		if !equal {
			t.Errorf("Weights for %s diverged after resume", name)
		}
	}
}

func TestAdamWLoadStateErrors(t *testing.T) {
	fresh := func(t *testing.T) (*AdamW, Param) {
		p := newParam(t, "w", []int{2}, []float32{1, 2})
		opt, err := NewAdamW(singleGroup(p, 0), DefaultAdamWConfig())
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}
		return opt, p
	}

	t.Run("wrong type", func(t *testing.T) {
		opt, _ := fresh(t)
		state, _ := opt.GetState()
		state.Type = "SGD"
		if err := opt.LoadState(state); err == nil {
			t.Error("Expected error for mismatched optimizer type")
		}
	})

	t.Run("nil state", func(t *testing.T) {
		opt, _ := fresh(t)
		if err := opt.LoadState(nil); err == nil {
			t.Error("Expected error for nil state")
		}
	})

	t.Run("missing hyperparameter", func(t *testing.T) {
		opt, _ := fresh(t)
		state, _ := opt.GetState()
		delete(state.Parameters, "beta1")
		if err := opt.LoadState(state); err == nil {
			t.Error("Expected error for missing hyperparameter")
		}
	})

	t.Run("unknown parameter", func(t *testing.T) {
		opt, _ := fresh(t)
		state, _ := opt.GetState()
		state.StateData[0].Name = "m_nope"
		if err := opt.LoadState(state); err == nil {
			t.Error("Expected error for unknown parameter")
		}
	})

	t.Run("incomplete state", func(t *testing.T) {
		opt, _ := fresh(t)
		state, _ := opt.GetState()
		state.StateData = state.StateData[:1]
		if err := opt.LoadState(state); err == nil {
			t.Error("Expected error for incomplete state")
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		opt, _ := fresh(t)
		state, _ := opt.GetState()
		state.StateData[0].Shape = []int{3}
		state.StateData[0].Data = []float32{0, 0, 0}
		if err := opt.LoadState(state); err == nil {
			t.Error("Expected error for shape mismatch")
		}
	})
}
