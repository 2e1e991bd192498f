package tae

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/tensor"
)

// Parameter pairs a trainable tensor with its fully qualified name. Names
// follow the dotted path convention ("blocks.0.mlp.fc1.weight") and key
// checkpoint weights and optimizer state.
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Model is a complete trainable network. Beyond the Module contract it
// exposes named parameters and state dict round-tripping for checkpoints.
type Model interface {
	Module
	NamedParameters() []*Parameter
	StateDict() map[string]*tensor.Tensor
	LoadStateDict(sd map[string]*tensor.Tensor) error
}

// Encoder is a model that can additionally produce pooled feature vectors
// for classifiers trained in feature space.
type Encoder interface {
	Model
	ForwardEncoder(x *tensor.Tensor) (*tensor.Tensor, error)
	EmbedDim() int
}

// stateDict materializes the name -> tensor map for a parameter list
func stateDict(params []*Parameter) map[string]*tensor.Tensor {
	sd := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		sd[p.Name] = p.Tensor
	}
	return sd
}

// loadStateDict copies state dict values into the parameters in place.
// Every parameter must be present in the state dict with a matching shape.
func loadStateDict(params []*Parameter, sd map[string]*tensor.Tensor) error {
	for _, p := range params {
		src, ok := sd[p.Name]
		if !ok {
			return errors.Errorf("state dict missing parameter %q", p.Name)
		}
		if src.DType != tensor.Float32 {
			return errors.Errorf("parameter %q: expected Float32 values, got %s", p.Name, src.DType)
		}
		if !equalShapes(p.Tensor.Shape, src.Shape) {
			return errors.Errorf("parameter %q shape mismatch: model %v, state dict %v", p.Name, p.Tensor.Shape, src.Shape)
		}
		copy(p.Tensor.Data.([]float32), src.Data.([]float32))
	}
	return nil
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
