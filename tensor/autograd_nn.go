package tensor

import (
	"fmt"
	"math"
)

// ReshapeOp implements the Operation interface for shape changes. The output
// shares the input's data; only the view changes.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	panic("ReshapeOp must be applied through ReshapeAutograd")
}

func (op *ReshapeOp) forward(a *Tensor, newShape []int) *Tensor {
	op.inputs = []*Tensor{a}

	result, err := a.Reshape(newShape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad

	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	grad, err := gradOut.Reshape(a.Size())
	if err != nil {
		panic(fmt.Sprintf("Failed to reshape gradient: %v", err))
	}

	return []*Tensor{grad}
}

func (op *ReshapeOp) Inputs() []*Tensor {
	return op.inputs
}

// MeanPoolOp averages a [batch, tokens, features] tensor over its token
// dimension, producing [batch, features].
type MeanPoolOp struct {
	inputs []*Tensor
}

func (op *MeanPoolOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanPoolOp requires exactly 1 input")
	}

	a := inputs[0]
	if len(a.Shape) != 3 {
		panic(fmt.Sprintf("MeanPoolOp requires a 3D input, got %dD", len(a.Shape)))
	}
	op.inputs = inputs

	result, err := Mean(a, 1, false)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad

	return result
}

func (op *MeanPoolOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	batch, tokens, features := a.Shape[0], a.Shape[1], a.Shape[2]

	grad, err := Zeros(a.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}

	gradOutData := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)
	scale := float32(1.0) / float32(tokens)

	for b := 0; b < batch; b++ {
		for t := 0; t < tokens; t++ {
			for f := 0; f < features; f++ {
				gradData[b*tokens*features+t*features+f] = gradOutData[b*features+f] * scale
			}
		}
	}

	return []*Tensor{grad}
}

func (op *MeanPoolOp) Inputs() []*Tensor {
	return op.inputs
}

// LayerNormOp normalizes each row of a [rows, features] tensor to zero mean
// and unit variance, then applies a learned scale and shift. Inputs are
// (x, gamma, beta); gradients are returned for all three.
type LayerNormOp struct {
	inputs []*Tensor
	eps    float64
	xhat   []float32
	invStd []float64
}

func (op *LayerNormOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("LayerNormOp requires exactly 3 inputs (x, gamma, beta)")
	}

	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) != 2 {
		panic(fmt.Sprintf("LayerNormOp requires a 2D input, got %dD", len(x.Shape)))
	}
	features := x.Shape[1]
	if len(gamma.Shape) != 1 || gamma.Shape[0] != features {
		panic(fmt.Sprintf("LayerNormOp gamma shape %v does not match %d features", gamma.Shape, features))
	}
	if len(beta.Shape) != 1 || beta.Shape[0] != features {
		panic(fmt.Sprintf("LayerNormOp beta shape %v does not match %d features", beta.Shape, features))
	}
	op.inputs = inputs

	rows := x.Shape[0]
	xData := x.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)

	result, err := Zeros(x.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	rData := result.Data.([]float32)

	op.xhat = make([]float32, rows*features)
	op.invStd = make([]float64, rows)

	for r := 0; r < rows; r++ {
		base := r * features

		mean := 0.0
		for f := 0; f < features; f++ {
			mean += float64(xData[base+f])
		}
		mean /= float64(features)

		variance := 0.0
		for f := 0; f < features; f++ {
			d := float64(xData[base+f]) - mean
			variance += d * d
		}
		variance /= float64(features)

		invStd := 1.0 / math.Sqrt(variance+op.eps)
		op.invStd[r] = invStd

		for f := 0; f < features; f++ {
			xhat := (float64(xData[base+f]) - mean) * invStd
			op.xhat[base+f] = float32(xhat)
			rData[base+f] = float32(xhat)*gammaData[f] + betaData[f]
		}
	}

	result.creator = op
	result.requiresGrad = x.requiresGrad || gamma.requiresGrad || beta.requiresGrad

	return result
}

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	rows, features := x.Shape[0], x.Shape[1]

	gradX, err := Zeros(x.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}
	gradGamma, err := Zeros(gamma.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}
	gradBeta, err := Zeros(gamma.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}

	gradOutData := gradOut.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	gradXData := gradX.Data.([]float32)
	gradGammaData := gradGamma.Data.([]float32)
	gradBetaData := gradBeta.Data.([]float32)

	dxhat := make([]float64, features)

	for r := 0; r < rows; r++ {
		base := r * features

		sum1 := 0.0
		sum2 := 0.0
		for f := 0; f < features; f++ {
			g := float64(gradOutData[base+f])
			xh := float64(op.xhat[base+f])

			gradGammaData[f] += float32(g * xh)
			gradBetaData[f] += float32(g)

			d := g * float64(gammaData[f])
			dxhat[f] = d
			sum1 += d
			sum2 += d * xh
		}

		n := float64(features)
		for f := 0; f < features; f++ {
			xh := float64(op.xhat[base+f])
			gradXData[base+f] = float32(op.invStd[r] * (dxhat[f] - sum1/n - xh*sum2/n))
		}
	}

	return []*Tensor{gradX, gradGamma, gradBeta}
}

func (op *LayerNormOp) Inputs() []*Tensor {
	return op.inputs
}

// PatchifyOp rearranges a [batch, channels, height, width] image tensor into
// non-overlapping square patches, producing [batch*patches, channels*p*p]
// rows ready for a linear projection. The mapping is a bijection, so the
// backward pass is a plain scatter.
type PatchifyOp struct {
	inputs    []*Tensor
	patchSize int
}

func (op *PatchifyOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("PatchifyOp requires exactly 1 input")
	}

	a := inputs[0]
	if len(a.Shape) != 4 {
		panic(fmt.Sprintf("PatchifyOp requires a 4D input, got %dD", len(a.Shape)))
	}
	p := op.patchSize
	if p <= 0 {
		panic("PatchifyOp requires a positive patch size")
	}
	if a.Shape[2]%p != 0 || a.Shape[3]%p != 0 {
		panic(fmt.Sprintf("image size %dx%d not divisible by patch size %d", a.Shape[2], a.Shape[3], p))
	}
	op.inputs = inputs

	batch, channels, height, width := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	tilesH := height / p
	tilesW := width / p
	tokens := tilesH * tilesW
	cols := channels * p * p

	result, err := Zeros([]int{batch * tokens, cols}, Float32)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	aData := a.Data.([]float32)
	rData := result.Data.([]float32)

	for b := 0; b < batch; b++ {
		for ty := 0; ty < tilesH; ty++ {
			for tx := 0; tx < tilesW; tx++ {
				row := b*tokens + ty*tilesW + tx
				for c := 0; c < channels; c++ {
					for py := 0; py < p; py++ {
						for px := 0; px < p; px++ {
							src := b*channels*height*width + c*height*width + (ty*p+py)*width + (tx*p + px)
							dst := row*cols + c*p*p + py*p + px
							rData[dst] = aData[src]
						}
					}
				}
			}
		}
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad

	return result
}

func (op *PatchifyOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	p := op.patchSize
	batch, channels, height, width := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	tilesH := height / p
	tilesW := width / p
	tokens := tilesH * tilesW
	cols := channels * p * p

	grad, err := Zeros(a.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}

	gradOutData := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)

	for b := 0; b < batch; b++ {
		for ty := 0; ty < tilesH; ty++ {
			for tx := 0; tx < tilesW; tx++ {
				row := b*tokens + ty*tilesW + tx
				for c := 0; c < channels; c++ {
					for py := 0; py < p; py++ {
						for px := 0; px < p; px++ {
							dst := b*channels*height*width + c*height*width + (ty*p+py)*width + (tx*p + px)
							src := row*cols + c*p*p + py*p + px
							gradData[dst] = gradOutData[src]
						}
					}
				}
			}
		}
	}

	return []*Tensor{grad}
}

func (op *PatchifyOp) Inputs() []*Tensor {
	return op.inputs
}

// CrossEntropyOp computes the mean cross-entropy between [batch, classes]
// logits and [batch] integer targets. The softmax computed in the forward
// pass is kept so the backward pass is the usual (softmax - onehot) / batch.
type CrossEntropyOp struct {
	inputs []*Tensor
	probs  []float32
}

func (op *CrossEntropyOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("CrossEntropyOp requires exactly 2 inputs (logits, targets)")
	}

	logits, targets := inputs[0], inputs[1]
	if len(logits.Shape) != 2 {
		panic(fmt.Sprintf("CrossEntropyOp requires 2D logits, got %dD", len(logits.Shape)))
	}
	if logits.DType != Float32 {
		panic(fmt.Sprintf("CrossEntropyOp requires Float32 logits, got %s", logits.DType))
	}
	if targets.DType != Int32 {
		panic(fmt.Sprintf("CrossEntropyOp requires Int32 targets, got %s", targets.DType))
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if targets.NumElems != batch {
		panic(fmt.Sprintf("CrossEntropyOp target count %d does not match batch size %d", targets.NumElems, batch))
	}
	op.inputs = inputs

	logitsData := logits.Data.([]float32)
	targetsData := targets.Data.([]int32)

	op.probs = make([]float32, batch*classes)
	totalLoss := 0.0

	for i := 0; i < batch; i++ {
		base := i * classes

		maxLogit := logitsData[base]
		for c := 1; c < classes; c++ {
			if logitsData[base+c] > maxLogit {
				maxLogit = logitsData[base+c]
			}
		}

		sumExp := 0.0
		for c := 0; c < classes; c++ {
			e := math.Exp(float64(logitsData[base+c] - maxLogit))
			op.probs[base+c] = float32(e)
			sumExp += e
		}

		for c := 0; c < classes; c++ {
			op.probs[base+c] = float32(float64(op.probs[base+c]) / sumExp)
		}

		target := int(targetsData[i])
		if target < 0 || target >= classes {
			panic(fmt.Sprintf("target %d out of range for %d classes", target, classes))
		}

		prob := float64(op.probs[base+target])
		if prob < 1e-10 {
			prob = 1e-10
		}
		totalLoss -= math.Log(prob)
	}

	result, err := NewTensor([]int{1}, Float32, []float32{float32(totalLoss / float64(batch))})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = logits.requiresGrad

	return result
}

func (op *CrossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	logits, targets := op.inputs[0], op.inputs[1]
	batch, classes := logits.Shape[0], logits.Shape[1]

	grad, err := Zeros(logits.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}

	g := gradOut.Data.([]float32)[0]
	targetsData := targets.Data.([]int32)
	gradData := grad.Data.([]float32)

	scale := g / float32(batch)
	for i := 0; i < batch; i++ {
		base := i * classes
		for c := 0; c < classes; c++ {
			gradData[base+c] = op.probs[base+c] * scale
		}
		gradData[base+int(targetsData[i])] -= scale
	}

	// Integer targets take no gradient
	return []*Tensor{grad, nil}
}

func (op *CrossEntropyOp) Inputs() []*Tensor {
	return op.inputs
}

// ReshapeAutograd reshapes a tensor with automatic differentiation
func ReshapeAutograd(a *Tensor, newShape []int) *Tensor {
	op := &ReshapeOp{}
	return op.forward(a, newShape)
}

// MeanPoolAutograd averages over the token dimension with automatic differentiation
func MeanPoolAutograd(a *Tensor) *Tensor {
	op := &MeanPoolOp{}
	return op.Forward(a)
}

// LayerNormAutograd applies layer normalization with automatic differentiation
func LayerNormAutograd(x, gamma, beta *Tensor, eps float64) *Tensor {
	op := &LayerNormOp{eps: eps}
	return op.Forward(x, gamma, beta)
}

// PatchifyAutograd extracts non-overlapping patches with automatic differentiation
func PatchifyAutograd(a *Tensor, patchSize int) *Tensor {
	op := &PatchifyOp{patchSize: patchSize}
	return op.Forward(a)
}

// CrossEntropyAutograd computes mean cross-entropy loss with automatic differentiation
func CrossEntropyAutograd(logits, targets *Tensor) *Tensor {
	op := &CrossEntropyOp{}
	return op.Forward(logits, targets)
}
