package tae

import (
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-tae/tensor"
)

func testRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		ImgSize:    8,
		PatchSize:  4,
		EmbedDim:   16,
		Depth:      2,
		NumClasses: 10,
	}
}

func TestRecognitionModelForward(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewRecognitionModel(testRecognitionConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	input, err := tensor.Random([]int{2, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	logits, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !reflect.DeepEqual(logits.Shape, []int{2, 10}) {
		t.Errorf("logits shape = %v, expected [2 10]", logits.Shape)
	}

	for i, v := range logits.Data.([]float32) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logits[%d] = %v, expected finite value", i, v)
		}
	}
}

func TestRecognitionModelForwardEncoder(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewRecognitionModel(testRecognitionConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	input, err := tensor.Random([]int{2, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	features, err := model.ForwardEncoder(input)
	if err != nil {
		t.Fatalf("ForwardEncoder failed: %v", err)
	}

	if !reflect.DeepEqual(features.Shape, []int{2, 16}) {
		t.Errorf("features shape = %v, expected [2 16]", features.Shape)
	}

	if model.EmbedDim() != 16 {
		t.Errorf("EmbedDim() = %d, expected 16", model.EmbedDim())
	}

	var m Model = model
	if _, ok := m.(Encoder); !ok {
		t.Errorf("RecognitionModel should implement the Encoder interface")
	}
}

func TestRecognitionModelNamedParameters(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewRecognitionModel(testRecognitionConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	named := model.NamedParameters()
	if len(named) != 18 {
		t.Errorf("NamedParameters() length = %d, expected 18", len(named))
	}
	if len(model.Parameters()) != len(named) {
		t.Errorf("Parameters() length = %d, expected %d", len(model.Parameters()), len(named))
	}

	seen := make(map[string]bool)
	for _, p := range named {
		if seen[p.Name] {
			t.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}

	for _, name := range []string{
		"patch_embed.proj.weight",
		"patch_embed.proj.bias",
		"blocks.0.norm.weight",
		"blocks.0.mlp.fc1.weight",
		"blocks.1.mlp.fc2.bias",
		"fc_norm.weight",
		"head.bias",
	} {
		if !seen[name] {
			t.Errorf("expected parameter %q not found", name)
		}
	}
}

func TestRecognitionModelBackward(t *testing.T) {
	SetRandomSeed(2)
	model, err := NewRecognitionModel(RecognitionConfig{
		ImgSize:    8,
		PatchSize:  4,
		EmbedDim:   8,
		Depth:      1,
		NumClasses: 4,
	})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	input, err := tensor.Random([]int{2, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}
	targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{1, 3})
	if err != nil {
		t.Fatalf("Failed to create targets: %v", err)
	}

	logits, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	loss := tensor.CrossEntropyAutograd(logits, targets)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range model.NamedParameters() {
		grad := p.Tensor.Grad()
		if grad == nil {
			t.Errorf("parameter %q has no gradient after backward", p.Name)
			continue
		}
		if !reflect.DeepEqual(grad.Shape, p.Tensor.Shape) {
			t.Errorf("parameter %q gradient shape = %v, expected %v", p.Name, grad.Shape, p.Tensor.Shape)
		}
	}
}

func TestRecognitionModelTrainEval(t *testing.T) {
	SetRandomSeed(3)
	cfg := testRecognitionConfig()
	cfg.Dropout = 0.3
	model, err := NewRecognitionModel(cfg)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	input, err := tensor.Random([]int{2, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	model.Eval()
	if model.IsTraining() {
		t.Errorf("IsTraining() = true after Eval()")
	}

	out1, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	out2, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(out1.Data.([]float32), out2.Data.([]float32)) {
		t.Errorf("eval mode forward should be deterministic")
	}

	model.Train()
	if !model.IsTraining() {
		t.Errorf("IsTraining() = false after Train()")
	}
}

func TestRecognitionConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RecognitionConfig)
	}{
		{"zero image size", func(c *RecognitionConfig) { c.ImgSize = 0 }},
		{"indivisible patch", func(c *RecognitionConfig) { c.PatchSize = 3 }},
		{"zero embed dim", func(c *RecognitionConfig) { c.EmbedDim = 0 }},
		{"zero depth", func(c *RecognitionConfig) { c.Depth = 0 }},
		{"zero classes", func(c *RecognitionConfig) { c.NumClasses = 0 }},
		{"dropout out of range", func(c *RecognitionConfig) { c.Dropout = 1.0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRecognitionConfig()
			tt.mutate(&cfg)
			if _, err := NewRecognitionModel(cfg); err == nil {
				t.Errorf("NewRecognitionModel should have failed for %s", tt.name)
			}
		})
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	SetRandomSeed(3)
	a, err := NewRecognitionModel(testRecognitionConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	SetRandomSeed(4)
	b, err := NewRecognitionModel(testRecognitionConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	if err := b.LoadStateDict(a.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}

	aParams := a.NamedParameters()
	bParams := b.NamedParameters()
	for i := range aParams {
		equal, err := aParams[i].Tensor.Equal(bParams[i].Tensor)
		if err != nil {
			t.Fatalf("Equal failed: %v", err)
		}
		if !equal {
			t.Errorf("parameter %q differs after LoadStateDict", aParams[i].Name)
		}
	}

	input, err := tensor.Random([]int{1, 3, 8, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	a.Eval()
	b.Eval()
	outA, err := a.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	outB, err := b.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(outA.Data.([]float32), outB.Data.([]float32)) {
		t.Errorf("models with identical weights produced different outputs")
	}
}

func TestLoadStateDictErrors(t *testing.T) {
	SetRandomSeed(5)
	model, err := NewRecognitionModel(RecognitionConfig{
		ImgSize:    8,
		PatchSize:  4,
		EmbedDim:   8,
		Depth:      1,
		NumClasses: 4,
	})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	t.Run("missing parameter", func(t *testing.T) {
		sd := model.StateDict()
		delete(sd, "head.bias")
		if err := model.LoadStateDict(sd); err == nil {
			t.Errorf("LoadStateDict with missing key should have failed")
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		sd := model.StateDict()
		wrong, err := tensor.Zeros([]int{5}, tensor.Float32)
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}
		sd["head.bias"] = wrong
		if err := model.LoadStateDict(sd); err == nil {
			t.Errorf("LoadStateDict with wrong shape should have failed")
		}
	})

	t.Run("wrong dtype", func(t *testing.T) {
		sd := model.StateDict()
		wrong, err := tensor.Zeros([]int{4}, tensor.Int32)
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}
		sd["head.bias"] = wrong
		if err := model.LoadStateDict(sd); err == nil {
			t.Errorf("LoadStateDict with wrong dtype should have failed")
		}
	})
}

func TestFeatureClassifier(t *testing.T) {
	SetRandomSeed(1)
	fc, err := NewFeatureClassifier(16, 10, 0)
	if err != nil {
		t.Fatalf("Failed to create FeatureClassifier: %v", err)
	}

	if len(fc.Parameters()) != 4 {
		t.Errorf("Parameters() length = %d, expected 4", len(fc.Parameters()))
	}

	features, err := tensor.Random([]int{4, 16}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create features: %v", err)
	}

	logits, err := fc.Forward(features)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(logits.Shape, []int{4, 10}) {
		t.Errorf("logits shape = %v, expected [4 10]", logits.Shape)
	}

	targets, err := tensor.NewTensor([]int{4}, tensor.Int32, []int32{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("Failed to create targets: %v", err)
	}
	loss := tensor.CrossEntropyAutograd(logits, targets)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range fc.NamedParameters() {
		if p.Tensor.Grad() == nil {
			t.Errorf("parameter %q has no gradient after backward", p.Name)
		}
	}

	narrow, err := tensor.Random([]int{4, 8}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create features: %v", err)
	}
	if _, err := fc.Forward(narrow); err == nil {
		t.Errorf("Forward with mismatched feature width should have failed")
	}
}

func TestLinearProbe(t *testing.T) {
	SetRandomSeed(1)
	lp, err := NewLinearProbe(16, 10)
	if err != nil {
		t.Fatalf("Failed to create LinearProbe: %v", err)
	}

	if len(lp.Parameters()) != 2 {
		t.Errorf("Parameters() length = %d, expected 2", len(lp.Parameters()))
	}

	named := lp.NamedParameters()
	if len(named) != 2 || named[0].Name != "head.weight" || named[1].Name != "head.bias" {
		t.Errorf("unexpected named parameters: %v, %v", named[0].Name, named[1].Name)
	}

	features, err := tensor.Random([]int{4, 16}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create features: %v", err)
	}

	logits, err := lp.Forward(features)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(logits.Shape, []int{4, 10}) {
		t.Errorf("logits shape = %v, expected [4 10]", logits.Shape)
	}
}
