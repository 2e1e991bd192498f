package tensor

import (
	"fmt"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linear int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linear % shape[i]
		linear /= shape[i]
	}
	return indices
}

// MatMul performs matrix multiplication on two 2-D tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, err
	}

	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %dD and %dD", len(a.Shape), len(b.Shape))
	}

	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for MatMul: %v x %v", a.Shape, b.Shape)
	}

	if a.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32, got %s", a.DType)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	rData := result.Data.([]float32)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := aData[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				rData[i*n+j] += av * bData[p*n+j]
			}
		}
	}

	return result, nil
}

// Transpose swaps two dimensions of a tensor.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) || dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose dimensions out of range: %d, %d for %dD tensor", dim0, dim1, len(t.Shape))
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[dim0], newShape[dim1] = newShape[dim1], newShape[dim0]

	result, err := Zeros(newShape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		tData := t.Data.([]float32)
		rData := result.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			rData[getIndex(indices, result.Strides)] = tData[i]
		}
	case Int32:
		tData := t.Data.([]int32)
		rData := result.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			rData[getIndex(indices, result.Strides)] = tData[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

// Flatten collapses a tensor to one dimension, copying the data.
func Flatten(t *Tensor) (*Tensor, error) {
	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	return NewTensor([]int{t.NumElems}, t.DType, clone.Data)
}

// Squeeze removes a dimension of size one.
func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("squeeze dimension %d out of range for %dD tensor", dim, len(t.Shape))
	}
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d with size %d", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, s := range t.Shape {
		if i != dim {
			newShape = append(newShape, s)
		}
	}

	return NewTensor(newShape, t.DType, t.Data)
}

// Unsqueeze inserts a dimension of size one at the given position.
func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("unsqueeze dimension %d out of range for %dD tensor", dim, len(t.Shape))
	}

	newShape := make([]int, 0, len(t.Shape)+1)
	newShape = append(newShape, t.Shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, t.Shape[dim:]...)

	return NewTensor(newShape, t.DType, t.Data)
}

// Sum reduces a tensor along the given dimension. With keepDim the reduced
// dimension is retained with size one.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum only supports Float32, got %s", t.DType)
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("sum dimension %d out of range for %dD tensor", dim, len(t.Shape))
	}

	newShape := make([]int, 0, len(t.Shape))
	for i, s := range t.Shape {
		if i == dim {
			if keepDim {
				newShape = append(newShape, 1)
			}
			continue
		}
		newShape = append(newShape, s)
	}
	if len(newShape) == 0 {
		newShape = []int{1}
	}

	result, err := Zeros(newShape, Float32)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)
		rIndices := make([]int, 0, len(newShape))
		for d, idx := range indices {
			if d == dim {
				if keepDim {
					rIndices = append(rIndices, 0)
				}
				continue
			}
			rIndices = append(rIndices, idx)
		}
		if len(rIndices) == 0 {
			rIndices = []int{0}
		}
		rData[getIndex(rIndices, result.Strides)] += tData[i]
	}

	return result, nil
}

// Mean reduces a tensor along the given dimension by averaging.
func Mean(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	summed, err := Sum(t, dim, keepDim)
	if err != nil {
		return nil, err
	}

	n := float32(t.Shape[dim])
	data := summed.Data.([]float32)
	for i := range data {
		data[i] /= n
	}

	return summed, nil
}

// ArgMax returns the index of the largest value along the last dimension.
// For a [batch, classes] tensor the result is a [batch] Int32 tensor.
func ArgMax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ArgMax only supports Float32, got %s", t.DType)
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("ArgMax requires at least 1 dimension")
	}

	last := t.Shape[len(t.Shape)-1]
	rows := t.NumElems / last

	outShape := make([]int, len(t.Shape)-1)
	copy(outShape, t.Shape[:len(t.Shape)-1])
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	result, err := Zeros(outShape, Int32)
	if err != nil {
		return nil, err
	}

	tData := t.Data.([]float32)
	rData := result.Data.([]int32)

	for r := 0; r < rows; r++ {
		best := 0
		bestVal := tData[r*last]
		for c := 1; c < last; c++ {
			if tData[r*last+c] > bestVal {
				bestVal = tData[r*last+c]
				best = c
			}
		}
		rData[r] = int32(best)
	}

	return result, nil
}
