package tensor

import (
	"fmt"
	"math"
)

// reduceGradientToShape sums a gradient over dimensions that were broadcast
// during the forward pass so it matches the originating input's shape.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}
	if len(targetShape) == 1 && targetShape[0] == 1 {
		return sumAllElements(grad)
	}

	result := grad

	// Leading dimensions absent from the target are summed away first.
	for len(result.Shape) > len(targetShape) {
		summed, err := sumOverDimension(result, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over dimension: %v", err)
		}
		result = summed
	}

	// Dimensions broadcast up from size 1 collapse back down.
	for i := 0; i < len(targetShape) && i < len(result.Shape); i++ {
		if targetShape[i] == 1 && result.Shape[i] > 1 {
			summed, err := sumOverDimension(result, i)
			if err != nil {
				return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
			}
			result = summed
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		reshaped, err := result.Reshape(targetShape)
		if err != nil {
			return nil, fmt.Errorf("failed to reshape gradient: %v", err)
		}
		result = reshaped
	}
	return result, nil
}

func sumAllElements(t *Tensor) (*Tensor, error) {
	switch data := t.Data.(type) {
	case []float32:
		var sum float32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, t.DType, []float32{sum})
	case []int32:
		var sum int32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, t.DType, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
}

// sumOverDimension sums a tensor along one dimension, dropping it from the
// shape. Input elements that agree on every other coordinate land in the
// same output slot: out = (in/span)*inner + in%inner, where inner is the
// stride of the summed dimension and span covers one full sweep of it.
func sumOverDimension(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}

	outShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outShape = append(outShape, size)
		}
	}
	if len(outShape) == 0 {
		return sumAllElements(t)
	}

	inner := calculateStrides(t.Shape)[dim]
	span := inner * t.Shape[dim]

	result, err := Zeros(outShape, t.DType)
	if err != nil {
		return nil, err
	}

	switch src := t.Data.(type) {
	case []float32:
		dst := result.Data.([]float32)
		for i, v := range src {
			dst[(i/span)*inner+i%inner] += v
		}
	case []int32:
		dst := result.Data.([]int32)
		for i, v := range src {
			dst[(i/span)*inner+i%inner] += v
		}
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
	return result, nil
}

// reduceOrPanic reduces a full-shape gradient back down to an input's shape.
// Backward implementations have no error return, so failures panic.
func reduceOrPanic(grad *Tensor, shape []int, operand string) *Tensor {
	reduced, err := reduceGradientToShape(grad, shape)
	if err != nil {
		panic(fmt.Sprintf("failed to reduce gradient for input %s: %v", operand, err))
	}
	return reduced
}

// binaryOp holds the recorded inputs shared by all two-operand operations.
type binaryOp struct {
	inputs []*Tensor
}

func (op *binaryOp) Inputs() []*Tensor {
	return op.inputs
}

// record runs the forward function, stores the inputs for the backward pass
// and propagates the requires-grad flag. The caller sets the creator, since
// it must be the concrete operation.
func (op *binaryOp) record(name string, forward func(a, b *Tensor) (*Tensor, error), inputs []*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic(name + " requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := forward(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.requiresGrad = inputs[0].requiresGrad || inputs[1].requiresGrad
	return result
}

// unaryOp holds the recorded input shared by all one-operand operations.
type unaryOp struct {
	inputs []*Tensor
}

func (op *unaryOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *unaryOp) record(name string, forward func(t *Tensor) (*Tensor, error), inputs []*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic(name + " requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := forward(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("forward pass failed: %v", err))
	}
	result.requiresGrad = inputs[0].requiresGrad
	return result
}

// AddOp records element-wise addition in the autograd graph.
type AddOp struct {
	binaryOp
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("AddOp", Add, inputs)
	result.creator = op
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// Addition passes the gradient through unchanged, reduced over any
	// dimensions that were broadcast in the forward pass.
	return []*Tensor{
		reduceOrPanic(gradOut, a.Shape, "A"),
		reduceOrPanic(gradOut, b.Shape, "B"),
	}
}

// SubOp records element-wise subtraction in the autograd graph.
type SubOp struct {
	binaryOp
}

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("SubOp", Sub, inputs)
	result.creator = op
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	neg, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("failed to clone gradient: %v", err))
	}
	switch data := neg.Data.(type) {
	case []float32:
		for i := range data {
			data[i] = -data[i]
		}
	case []int32:
		for i := range data {
			data[i] = -data[i]
		}
	}

	return []*Tensor{
		reduceOrPanic(gradOut, a.Shape, "A"),
		reduceOrPanic(neg, b.Shape, "B"),
	}
}

// MulOp records element-wise multiplication in the autograd graph.
type MulOp struct {
	binaryOp
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("MulOp", Mul, inputs)
	result.creator = op
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// Product rule: each input's gradient is gradOut times the other input.
	return []*Tensor{
		productRuleGrad(gradOut, b, a.Shape, "A"),
		productRuleGrad(gradOut, a, b.Shape, "B"),
	}
}

func productRuleGrad(gradOut, other *Tensor, shape []int, operand string) *Tensor {
	expanded, err := BroadcastTensor(other, gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("failed to broadcast operand for grad%s: %v", operand, err))
	}
	full, err := Mul(gradOut, expanded)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for grad%s: %v", operand, err))
	}
	return reduceOrPanic(full, shape, operand)
}

// MatMulOp records matrix multiplication in the autograd graph.
type MatMulOp struct {
	binaryOp
}

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("MatMulOp", MatMul, inputs)
	result.creator = op
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("failed to transpose B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for gradA: %v", err))
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		panic(fmt.Sprintf("failed to transpose A: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("backward pass failed for gradB: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp records the ReLU activation in the autograd graph.
type ReLUOp struct {
	unaryOp
}

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("ReLUOp", ReLU, inputs)
	result.creator = op
	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("failed to clone gradient: %v", err))
	}

	// The gradient is zeroed wherever the input did not activate.
	switch in := op.inputs[0].Data.(type) {
	case []float32:
		out := grad.Data.([]float32)
		for i, v := range in {
			if v <= 0 {
				out[i] = 0
			}
		}
	case []int32:
		out := grad.Data.([]int32)
		for i, v := range in {
			if v <= 0 {
				out[i] = 0
			}
		}
	}
	return []*Tensor{grad}
}

// SigmoidOp records the sigmoid activation in the autograd graph. The output
// is kept because the derivative is cheapest in terms of it.
type SigmoidOp struct {
	unaryOp
	output *Tensor
}

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("SigmoidOp", Sigmoid, inputs)
	op.output = result
	result.creator = op
	return result
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	if op.output == nil {
		panic("SigmoidOp: output not stored for backward pass")
	}

	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("failed to clone gradient: %v", err))
	}

	// dsigma(x)/dx = sigma(x) * (1 - sigma(x))
	out := op.output.Data.([]float32)
	data := grad.Data.([]float32)
	for i := range data {
		s := out[i]
		data[i] *= s * (1 - s)
	}
	return []*Tensor{grad}
}

// GELUOp records the GELU activation (tanh approximation) in the autograd
// graph.
type GELUOp struct {
	unaryOp
}

func (op *GELUOp) Forward(inputs ...*Tensor) *Tensor {
	result := op.record("GELUOp", GELU, inputs)
	result.creator = op
	return result
}

func (op *GELUOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("failed to clone gradient: %v", err))
	}

	// With u = geluCoeff * (x + 0.044715 x^3):
	// dGELU/dx = 0.5*(1 + tanh u) + 0.5*x*(1 - tanh^2 u)*du/dx
	in := op.inputs[0].Data.([]float32)
	data := grad.Data.([]float32)
	for i := range data {
		x := float64(in[i])
		u := geluCoeff * (x + 0.044715*x*x*x)
		tanhU := math.Tanh(u)
		dudx := geluCoeff * (1 + 3*0.044715*x*x)
		data[i] *= float32(0.5*(1+tanhU) + 0.5*x*(1-tanhU*tanhU)*dudx)
	}
	return []*Tensor{grad}
}

// AddAutograd adds two tensors and records the operation for backprop.
func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

// SubAutograd subtracts b from a and records the operation for backprop.
func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

// MulAutograd multiplies two tensors element-wise and records the operation
// for backprop.
func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

// MatMulAutograd multiplies two matrices and records the operation for
// backprop.
func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd applies ReLU and records the operation for backprop.
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SigmoidAutograd applies the sigmoid and records the operation for backprop.
func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

// GELUAutograd applies GELU and records the operation for backprop.
func GELUAutograd(a *Tensor) *Tensor {
	op := &GELUOp{}
	return op.Forward(a)
}
