package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the
// resulting shape. Follows the usual rules: align trailing dimensions,
// dimensions are compatible when equal or when one of them is 1 or missing.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	ndim := len(shape1)
	if len(shape2) > ndim {
		ndim = len(shape2)
	}

	result := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		dim1, dim2 := 1, 1
		if j := len(shape1) - 1 - i; j >= 0 {
			dim1 = shape1[j]
		}
		if j := len(shape2) - 1 - i; j >= 0 {
			dim2 = shape2[j]
		}

		switch {
		case dim1 == dim2:
			result[ndim-1-i] = dim1
		case dim1 == 1:
			result[ndim-1-i] = dim2
		case dim2 == 1:
			result[ndim-1-i] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}
	return result, nil
}

// broadcastOffsets returns, for every element of the target shape in
// row-major order, the linear index of the source element it reads. Source
// dimensions of size 1 and missing leading dimensions repeat, contributing
// stride zero.
func broadcastOffsets(srcShape, targetShape []int) []int {
	ndim := len(targetShape)
	lead := ndim - len(srcShape)

	eff := make([]int, ndim)
	stride := 1
	for i := ndim - 1; i >= lead; i-- {
		if srcShape[i-lead] != 1 {
			eff[i] = stride
			stride *= srcShape[i-lead]
		}
	}

	total := calculateNumElements(targetShape)
	offsets := make([]int, total)
	coords := make([]int, ndim)
	idx := 0
	for dst := 0; dst < total; dst++ {
		offsets[dst] = idx
		for i := ndim - 1; i >= 0; i-- {
			coords[i]++
			idx += eff[i]
			if coords[i] < targetShape[i] {
				break
			}
			coords[i] = 0
			idx -= eff[i] * targetShape[i]
		}
	}
	return offsets
}

// BroadcastTensor expands a tensor to a target shape using broadcasting rules.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}
	if _, err := BroadcastShapes(t.Shape, targetShape); err != nil {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v: %v",
			t.Shape, targetShape, err)
	}

	offsets := broadcastOffsets(t.Shape, targetShape)
	result := &Tensor{
		Shape:    append([]int(nil), targetShape...),
		Strides:  calculateStrides(targetShape),
		DType:    t.DType,
		NumElems: len(offsets),
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		data := make([]float32, len(offsets))
		for i, off := range offsets {
			data[i] = src[off]
		}
		result.Data = data
	case Int32:
		src := t.Data.([]int32)
		data := make([]int32, len(offsets))
		for i, off := range offsets {
			data[i] = src[off]
		}
		result.Data = data
	default:
		return nil, fmt.Errorf("unsupported data type for broadcasting: %v", t.DType)
	}
	return result, nil
}

// shapesEqual checks if two shapes are identical
func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// BroadcastTensorsForOperation broadcasts two tensors to a common shape for
// element-wise operations.
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	common, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensors cannot be broadcast together: %v", err)
	}

	aOut, err := BroadcastTensor(a, common)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast first tensor: %v", err)
	}
	bOut, err := BroadcastTensor(b, common)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast second tensor: %v", err)
	}
	return aOut, bOut, nil
}
