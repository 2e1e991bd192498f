package tae

import (
	"fmt"

	"github.com/tsawler/go-tae/tensor"
)

// FeatureClassifier trains in feature space on top of a frozen encoder:
// a LayerNorm over the pooled features, dropout, and a linear head.
type FeatureClassifier struct {
	norm     *LayerNorm
	drop     *Dropout
	head     *Linear
	embedDim int
	training bool
}

// NewFeatureClassifier creates a classifier over embedDim-wide features
func NewFeatureClassifier(embedDim, numClasses int, dropout float64) (*FeatureClassifier, error) {
	if embedDim <= 0 {
		return nil, fmt.Errorf("embed dim must be positive, got %d", embedDim)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("num classes must be positive, got %d", numClasses)
	}

	norm, err := NewLayerNorm(embedDim, 1e-6)
	if err != nil {
		return nil, fmt.Errorf("failed to create norm: %v", err)
	}
	drop, err := NewDropout(dropout)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout: %v", err)
	}
	head, err := NewLinear(embedDim, numClasses, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create head: %v", err)
	}

	return &FeatureClassifier{
		norm:     norm,
		drop:     drop,
		head:     head,
		embedDim: embedDim,
		training: true,
	}, nil
}

// Forward computes class logits from pooled encoder features [batch, embedDim]
func (fc *FeatureClassifier) Forward(features *tensor.Tensor) (*tensor.Tensor, error) {
	if len(features.Shape) != 2 {
		return nil, fmt.Errorf("FeatureClassifier expects 2D input [batch_size, embed_dim], got shape %v", features.Shape)
	}
	if features.Shape[1] != fc.embedDim {
		return nil, fmt.Errorf("feature width mismatch: expected %d, got %d", fc.embedDim, features.Shape[1])
	}

	h, err := fc.norm.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("norm forward failed: %v", err)
	}
	h, err = fc.drop.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("dropout forward failed: %v", err)
	}
	return fc.head.Forward(h)
}

// Parameters returns the trainable parameters
func (fc *FeatureClassifier) Parameters() []*tensor.Tensor {
	named := fc.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

// NamedParameters returns the trainable parameters with their dotted names
func (fc *FeatureClassifier) NamedParameters() []*Parameter {
	params := fc.norm.namedParameters("norm")
	params = append(params, fc.head.namedParameters("head")...)
	return params
}

// StateDict returns the parameter map keyed by dotted names
func (fc *FeatureClassifier) StateDict() map[string]*tensor.Tensor {
	return stateDict(fc.NamedParameters())
}

// LoadStateDict copies state dict values into the model parameters
func (fc *FeatureClassifier) LoadStateDict(sd map[string]*tensor.Tensor) error {
	return loadStateDict(fc.NamedParameters(), sd)
}

// Train sets the model to training mode
func (fc *FeatureClassifier) Train() {
	fc.training = true
	fc.norm.Train()
	fc.drop.Train()
	fc.head.Train()
}

// Eval sets the model to evaluation mode
func (fc *FeatureClassifier) Eval() {
	fc.training = false
	fc.norm.Eval()
	fc.drop.Eval()
	fc.head.Eval()
}

// IsTraining returns true if in training mode
func (fc *FeatureClassifier) IsTraining() bool {
	return fc.training
}

// LinearProbe is the minimal feature-space head: a single linear layer
type LinearProbe struct {
	head     *Linear
	embedDim int
	training bool
}

// NewLinearProbe creates a linear probe over embedDim-wide features
func NewLinearProbe(embedDim, numClasses int) (*LinearProbe, error) {
	if embedDim <= 0 {
		return nil, fmt.Errorf("embed dim must be positive, got %d", embedDim)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("num classes must be positive, got %d", numClasses)
	}
	head, err := NewLinear(embedDim, numClasses, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create head: %v", err)
	}
	return &LinearProbe{head: head, embedDim: embedDim, training: true}, nil
}

// Forward computes class logits from pooled encoder features [batch, embedDim]
func (lp *LinearProbe) Forward(features *tensor.Tensor) (*tensor.Tensor, error) {
	if len(features.Shape) != 2 {
		return nil, fmt.Errorf("LinearProbe expects 2D input [batch_size, embed_dim], got shape %v", features.Shape)
	}
	if features.Shape[1] != lp.embedDim {
		return nil, fmt.Errorf("feature width mismatch: expected %d, got %d", lp.embedDim, features.Shape[1])
	}
	return lp.head.Forward(features)
}

// Parameters returns the trainable parameters
func (lp *LinearProbe) Parameters() []*tensor.Tensor {
	return lp.head.Parameters()
}

// NamedParameters returns the trainable parameters with their dotted names
func (lp *LinearProbe) NamedParameters() []*Parameter {
	return lp.head.namedParameters("head")
}

// StateDict returns the parameter map keyed by dotted names
func (lp *LinearProbe) StateDict() map[string]*tensor.Tensor {
	return stateDict(lp.NamedParameters())
}

// LoadStateDict copies state dict values into the model parameters
func (lp *LinearProbe) LoadStateDict(sd map[string]*tensor.Tensor) error {
	return loadStateDict(lp.NamedParameters(), sd)
}

// Train sets the model to training mode
func (lp *LinearProbe) Train() {
	lp.training = true
	lp.head.Train()
}

// Eval sets the model to evaluation mode
func (lp *LinearProbe) Eval() {
	lp.training = false
	lp.head.Eval()
}

// IsTraining returns true if in training mode
func (lp *LinearProbe) IsTraining() bool {
	return lp.training
}
