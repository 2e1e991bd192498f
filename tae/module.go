package tae

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-tae/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("layer sizes must be positive, got %d and %d", inputSize, outputSize)
	}

	// Initialize weights using Xavier/Glorot uniform initialization
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	// Weight shape is [inputSize, outputSize] so the forward pass is input @ weight
	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		// Initialize bias to zeros
		biasData := make([]float32, outputSize)
		biasT, err := tensor.NewTensor([]int{outputSize}, tensor.Float32, biasData)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)

	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) namedParameters(prefix string) []*Parameter {
	params := []*Parameter{{Name: prefix + ".weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, &Parameter{Name: prefix + ".bias", Tensor: l.bias})
	}
	return params
}

// Train sets the module to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the module to evaluation mode
func (l *Linear) Eval() {
	l.training = false
}

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// GELU implements the GELU activation function module (tanh approximation)
type GELU struct {
	training bool
}

// NewGELU creates a new GELU activation module
func NewGELU() *GELU {
	return &GELU{training: true}
}

// Forward performs GELU activation
func (g *GELU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("GELU only supports Float32 tensors")
	}
	return tensor.GELUAutograd(input), nil
}

// Parameters returns empty slice (GELU has no parameters)
func (g *GELU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (g *GELU) Train() {
	g.training = true
}

// Eval sets the module to evaluation mode
func (g *GELU) Eval() {
	g.training = false
}

// IsTraining returns true if in training mode
func (g *GELU) IsTraining() bool {
	return g.training
}

// LayerNorm implements layer normalization over the last dimension
type LayerNorm struct {
	numFeatures int
	eps         float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	training    bool
}

// NewLayerNorm creates a new LayerNorm layer
func NewLayerNorm(numFeatures int, eps float64) (*LayerNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("number of features must be positive, got %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-6
	}

	// Initialize gamma to ones
	gammaData := make([]float32, numFeatures)
	for i := range gammaData {
		gammaData[i] = 1.0
	}
	gamma, err := tensor.NewTensor([]int{numFeatures}, tensor.Float32, gammaData)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	// Initialize beta to zeros
	betaData := make([]float32, numFeatures)
	beta, err := tensor.NewTensor([]int{numFeatures}, tensor.Float32, betaData)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	return &LayerNorm{
		numFeatures: numFeatures,
		eps:         eps,
		gamma:       gamma,
		beta:        beta,
		training:    true,
	}, nil
}

// Forward performs layer normalization
func (ln *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("LayerNorm only supports Float32 tensors")
	}
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("LayerNorm expects 2D input [rows, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != ln.numFeatures {
		return nil, fmt.Errorf("input features mismatch: expected %d, got %d", ln.numFeatures, input.Shape[1])
	}

	return tensor.LayerNormAutograd(input, ln.gamma, ln.beta, ln.eps), nil
}

// Parameters returns the trainable parameters
func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.gamma, ln.beta}
}

func (ln *LayerNorm) namedParameters(prefix string) []*Parameter {
	return []*Parameter{
		{Name: prefix + ".weight", Tensor: ln.gamma},
		{Name: prefix + ".bias", Tensor: ln.beta},
	}
}

// Train sets the module to training mode
func (ln *LayerNorm) Train() {
	ln.training = true
}

// Eval sets the module to evaluation mode
func (ln *LayerNorm) Eval() {
	ln.training = false
}

// IsTraining returns true if in training mode
func (ln *LayerNorm) IsTraining() bool {
	return ln.training
}

// Dropout implements inverted dropout. Active only in training mode; in
// evaluation mode the input passes through unchanged.
type Dropout struct {
	p        float64
	rng      *rand.Rand
	training bool
}

// NewDropout creates a new Dropout module with drop probability p
func NewDropout(p float64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{
		p:        p,
		rng:      rand.New(rand.NewSource(globalRng.Int63())),
		training: true,
	}, nil
}

// Forward zeroes elements with probability p and rescales survivors by 1/(1-p)
func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("Dropout only supports Float32 tensors")
	}

	keep := float32(1.0 / (1.0 - d.p))
	maskData := make([]float32, input.NumElems)
	for i := range maskData {
		if d.rng.Float64() >= d.p {
			maskData[i] = keep
		}
	}

	mask, err := tensor.NewTensor(input.Shape, tensor.Float32, maskData)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout mask: %v", err)
	}

	return tensor.MulAutograd(input, mask), nil
}

// Parameters returns empty slice (Dropout has no parameters)
func (d *Dropout) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (d *Dropout) Train() {
	d.training = true
}

// Eval sets the module to evaluation mode
func (d *Dropout) Eval() {
	d.training = false
}

// IsTraining returns true if in training mode
func (d *Dropout) IsTraining() bool {
	return d.training
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// MLP is the feedforward block used inside encoder blocks:
// Linear -> GELU -> Dropout -> Linear -> Dropout
type MLP struct {
	fc1      *Linear
	act      *GELU
	fc2      *Linear
	drop     *Dropout
	training bool
}

// NewMLP creates a new MLP block mapping dim -> hiddenDim -> dim
func NewMLP(dim, hiddenDim int, dropout float64) (*MLP, error) {
	fc1, err := NewLinear(dim, hiddenDim, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create fc1: %v", err)
	}
	fc2, err := NewLinear(hiddenDim, dim, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create fc2: %v", err)
	}
	drop, err := NewDropout(dropout)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout: %v", err)
	}
	return &MLP{
		fc1:      fc1,
		act:      NewGELU(),
		fc2:      fc2,
		drop:     drop,
		training: true,
	}, nil
}

// Forward passes input through the feedforward block
func (m *MLP) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.fc1.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("fc1 forward failed: %v", err)
	}
	h, err = m.act.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("activation forward failed: %v", err)
	}
	h, err = m.drop.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("dropout forward failed: %v", err)
	}
	h, err = m.fc2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("fc2 forward failed: %v", err)
	}
	return m.drop.Forward(h)
}

// Parameters returns the trainable parameters
func (m *MLP) Parameters() []*tensor.Tensor {
	params := m.fc1.Parameters()
	params = append(params, m.fc2.Parameters()...)
	return params
}

func (m *MLP) namedParameters(prefix string) []*Parameter {
	params := m.fc1.namedParameters(prefix + ".fc1")
	params = append(params, m.fc2.namedParameters(prefix+".fc2")...)
	return params
}

// Train sets the module to training mode
func (m *MLP) Train() {
	m.training = true
	m.fc1.Train()
	m.act.Train()
	m.fc2.Train()
	m.drop.Train()
}

// Eval sets the module to evaluation mode
func (m *MLP) Eval() {
	m.training = false
	m.fc1.Eval()
	m.act.Eval()
	m.fc2.Eval()
	m.drop.Eval()
}

// IsTraining returns true if in training mode
func (m *MLP) IsTraining() bool {
	return m.training
}
