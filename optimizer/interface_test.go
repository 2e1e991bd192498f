package optimizer

import (
	"testing"

	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
)

var (
	_ Optimizer = (*AdamW)(nil)
	_ Optimizer = (*SGD)(nil)
)

// newParam creates a trainable parameter tensor for optimizer tests
func newParam(t *testing.T, name string, shape []int, values []float32) Param {
	t.Helper()
	tn, err := tensor.NewTensor(shape, tensor.Float32, values)
	if err != nil {
		t.Fatalf("Failed to create parameter tensor: %v", err)
	}
	tn.SetRequiresGrad(true)
	return Param{Name: name, Tensor: tn}
}

// applyGrad runs a one-op graph so the gradient lands on the parameter the
// same way a real backward pass would
func applyGrad(t *testing.T, p Param, grad []float32) {
	t.Helper()
	ones, err := tensor.Ones(p.Tensor.Shape, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create ones tensor: %v", err)
	}
	out := tensor.MulAutograd(p.Tensor, ones)
	seed, err := tensor.NewTensor(p.Tensor.Shape, tensor.Float32, grad)
	if err != nil {
		t.Fatalf("Failed to create seed gradient: %v", err)
	}
	if err := out.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

func singleGroup(p Param, weightDecay float64) []ParamGroup {
	return []ParamGroup{{Params: []Param{p}, WeightDecay: weightDecay}}
}

func TestAddWeightDecay(t *testing.T) {
	model, err := tae.NewFeatureClassifier(8, 4, 0.0)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	groups := AddWeightDecay(model, 0.05)
	if len(groups) != 2 {
		t.Fatalf("Expected 2 parameter groups, got %d", len(groups))
	}

	var decayed, undecayed *ParamGroup
	for i := range groups {
		if groups[i].WeightDecay == 0 {
			undecayed = &groups[i]
		} else {
			decayed = &groups[i]
		}
	}
	if decayed == nil || undecayed == nil {
		t.Fatalf("Expected one decayed and one undecayed group, got %+v", groups)
	}
	if decayed.WeightDecay != 0.05 {
		t.Errorf("Expected weight decay 0.05, got %v", decayed.WeightDecay)
	}

	// norm.weight and norm.bias are 1-D, head.bias is a bias: all undecayed.
	// Only the 2-D head.weight takes decay.
	if len(decayed.Params) != 1 || decayed.Params[0].Name != "head.weight" {
		t.Errorf("Expected decayed group to hold head.weight, got %+v", decayed.Params)
	}
	if len(undecayed.Params) != 3 {
		t.Errorf("Expected 3 undecayed parameters, got %d", len(undecayed.Params))
	}
	seen := make(map[string]bool)
	for _, p := range undecayed.Params {
		seen[p.Name] = true
	}
	for _, name := range []string{"norm.weight", "norm.bias", "head.bias"} {
		if !seen[name] {
			t.Errorf("Expected %s in the no-decay group", name)
		}
	}

	total := len(decayed.Params) + len(undecayed.Params)
	if total != len(model.NamedParameters()) {
		t.Errorf("Groups cover %d parameters, model has %d", total, len(model.NamedParameters()))
	}
}

func TestFlattenGroupsValidation(t *testing.T) {
	valid := newParam(t, "w", []int{2}, []float32{1, 2})

	if _, _, err := flattenGroups(nil); err == nil {
		t.Error("Expected error for empty groups")
	}

	if _, _, err := flattenGroups([]ParamGroup{{Params: []Param{valid}, WeightDecay: -0.1}}); err == nil {
		t.Error("Expected error for negative weight decay")
	}

	if _, _, err := flattenGroups([]ParamGroup{{Params: []Param{{Name: "", Tensor: valid.Tensor}}}}); err == nil {
		t.Error("Expected error for unnamed parameter")
	}

	if _, _, err := flattenGroups([]ParamGroup{{Params: []Param{{Name: "w", Tensor: nil}}}}); err == nil {
		t.Error("Expected error for nil tensor")
	}

	dup := newParam(t, "w", []int{2}, []float32{3, 4})
	if _, _, err := flattenGroups([]ParamGroup{{Params: []Param{valid, dup}}}); err == nil {
		t.Error("Expected error for duplicate parameter name")
	}

	labels, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 1})
	if err != nil {
		t.Fatalf("Failed to create labels tensor: %v", err)
	}
	if _, _, err := flattenGroups([]ParamGroup{{Params: []Param{{Name: "labels", Tensor: labels}}}}); err == nil {
		t.Error("Expected error for non-float parameter")
	}
}

func TestExtractParamHelpers(t *testing.T) {
	params := map[string]interface{}{
		"learning_rate": 0.001,
		"step_count":    float64(42),
		"nesterov":      true,
		"label":         "sgd",
	}

	lr, err := extractFloat64Param(params, "learning_rate")
	if err != nil {
		t.Fatalf("extractFloat64Param failed: %v", err)
	}
	if lr != 0.001 {
		t.Errorf("Expected 0.001, got %v", lr)
	}

	if _, err := extractFloat64Param(params, "absent"); err == nil {
		t.Error("Expected error for missing parameter")
	}
	if _, err := extractFloat64Param(params, "label"); err == nil {
		t.Error("Expected error for non-numeric parameter")
	}

	steps, err := extractUint64Param(params, "step_count")
	if err != nil {
		t.Fatalf("extractUint64Param failed: %v", err)
	}
	if steps != 42 {
		t.Errorf("Expected 42, got %d", steps)
	}
	if _, err := extractUint64Param(map[string]interface{}{"n": -1.0}, "n"); err == nil {
		t.Error("Expected error for negative counter")
	}

	nesterov, err := extractBoolParam(params, "nesterov")
	if err != nil {
		t.Fatalf("extractBoolParam failed: %v", err)
	}
	if !nesterov {
		t.Error("Expected nesterov true")
	}
	if _, err := extractBoolParam(params, "learning_rate"); err == nil {
		t.Error("Expected error for non-bool parameter")
	}
}
