package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(a, b *Tensor) error {
	if a.DType != b.DType {
		return fmt.Errorf("tensors have different dtypes: %s vs %s", a.DType, b.DType)
	}
	return nil
}

// alignForElementwise broadcasts both operands to a common shape when they
// differ, following the usual trailing-dimension rules.
func alignForElementwise(a, b *Tensor) (*Tensor, *Tensor, error) {
	if shapesEqual(a.Shape, b.Shape) {
		return a, b, nil
	}
	return BroadcastTensorsForOperation(a, b)
}

func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}

	a, b, err := alignForElementwise(a, b)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		rData := result.Data.([]float32)
		for i := range rData {
			rData[i] = aData[i] + bData[i]
		}
	case Int32:
		aData := a.Data.([]int32)
		bData := b.Data.([]int32)
		rData := result.Data.([]int32)
		for i := range rData {
			rData[i] = aData[i] + bData[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Add: %s", a.DType)
	}

	return result, nil
}

func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}

	a, b, err := alignForElementwise(a, b)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		rData := result.Data.([]float32)
		for i := range rData {
			rData[i] = aData[i] - bData[i]
		}
	case Int32:
		aData := a.Data.([]int32)
		bData := b.Data.([]int32)
		rData := result.Data.([]int32)
		for i := range rData {
			rData[i] = aData[i] - bData[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Sub: %s", a.DType)
	}

	return result, nil
}

func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}

	a, b, err := alignForElementwise(a, b)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		rData := result.Data.([]float32)
		for i := range rData {
			rData[i] = aData[i] * bData[i]
		}
	case Int32:
		aData := a.Data.([]int32)
		bData := b.Data.([]int32)
		rData := result.Data.([]int32)
		for i := range rData {
			rData[i] = aData[i] * bData[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Mul: %s", a.DType)
	}

	return result, nil
}

func Div(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}

	a, b, err := alignForElementwise(a, b)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(a.Shape, a.DType)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		rData := result.Data.([]float32)
		for i := range rData {
			if bData[i] == 0 {
				return nil, fmt.Errorf("division by zero at element %d", i)
			}
			rData[i] = aData[i] / bData[i]
		}
	case Int32:
		aData := a.Data.([]int32)
		bData := b.Data.([]int32)
		rData := result.Data.([]int32)
		for i := range rData {
			if bData[i] == 0 {
				return nil, fmt.Errorf("division by zero at element %d", i)
			}
			rData[i] = aData[i] / bData[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Div: %s", a.DType)
	}

	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		tData := t.Data.([]float32)
		rData := result.Data.([]float32)
		for i := range rData {
			if tData[i] > 0 {
				rData[i] = tData[i]
			}
		}
	case Int32:
		tData := t.Data.([]int32)
		rData := result.Data.([]int32)
		for i := range rData {
			if tData[i] > 0 {
				rData[i] = tData[i]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for ReLU: %s", t.DType)
	}

	return result, nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sigmoid only supports Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		rData[i] = float32(1.0 / (1.0 + math.Exp(-float64(tData[i]))))
	}

	return result, nil
}

func Tanh(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Tanh only supports Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		rData[i] = float32(math.Tanh(float64(tData[i])))
	}

	return result, nil
}

// geluCoeff is sqrt(2/pi), used by the tanh approximation of GELU.
const geluCoeff = 0.7978845608028654

func geluScalar(x float64) float64 {
	return 0.5 * x * (1.0 + math.Tanh(geluCoeff*(x+0.044715*x*x*x)))
}

// GELU applies the Gaussian error linear unit using the tanh approximation.
func GELU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("GELU only supports Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		rData[i] = float32(geluScalar(float64(tData[i])))
	}

	return result, nil
}

func Exp(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Exp only supports Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		rData[i] = float32(math.Exp(float64(tData[i])))
	}

	return result, nil
}

func Log(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Log only supports Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)
	for i := range rData {
		if tData[i] <= 0 {
			return nil, fmt.Errorf("Log of non-positive value %f at element %d", tData[i], i)
		}
		rData[i] = float32(math.Log(float64(tData[i])))
	}

	return result, nil
}
