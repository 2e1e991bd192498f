package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a new tensor sharing this tensor's data under a different
// shape. The new shape must cover the same number of elements; one dimension
// may be -1 and is inferred from the rest.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	resolved := make([]int, len(newShape))
	copy(resolved, newShape)

	known := 1
	inferAt := -1
	for i, dim := range resolved {
		switch {
		case dim == -1:
			if inferAt >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferAt = i
		case dim < 0:
			return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
		case dim == 0:
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		default:
			known *= dim
		}
	}

	if inferAt >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, known)
		}
		resolved[inferAt] = t.NumElems / known
		known = t.NumElems
	}
	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, resolved, known)
	}

	return &Tensor{
		Shape:        resolved,
		Strides:      calculateStrides(resolved),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Clone returns a deep copy: shape, strides, and backing data are all fresh
// allocations. The clone is a leaf with no gradient or creator.
func (t *Tensor) Clone() (*Tensor, error) {
	if t.Data == nil {
		return nil, fmt.Errorf("tensor has nil data")
	}

	clone := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		DType:        t.DType,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
	switch t.DType {
	case Float32:
		clone.Data = append([]float32(nil), t.Data.([]float32)...)
	case Int32:
		clone.Data = append([]int32(nil), t.Data.([]int32)...)
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}
	return clone, nil
}

// Detach returns a tensor sharing this tensor's data but disconnected from
// the computation graph. Gradients never flow past a detached tensor.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Float64Item returns the single element of a scalar tensor as float64.
func (t *Tensor) Float64Item() (float64, error) {
	v, err := t.Item()
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case int32:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unsupported item type %T", v)
	}
}

// checkIndices validates one index per dimension, each within bounds.
func (t *Tensor) checkIndices(indices []int) error {
	if len(indices) != len(t.Shape) {
		return fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}
	return nil
}

func (t *Tensor) At(indices ...int) (interface{}, error) {
	if err := t.checkIndices(indices); err != nil {
		return nil, err
	}

	offset := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[offset], nil
	case Int32:
		return t.Data.([]int32)[offset], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	if err := t.checkIndices(indices); err != nil {
		return err
	}

	offset := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		val, ok := value.(float32)
		if !ok {
			return fmt.Errorf("expected float32 value for Float32 tensor")
		}
		t.Data.([]float32)[offset] = val
	case Int32:
		val, ok := value.(int32)
		if !ok {
			return fmt.Errorf("expected int32 value for Int32 tensor")
		}
		t.Data.([]int32)[offset] = val
	default:
		return fmt.Errorf("unsupported dtype for SetAt: %s", t.DType)
	}
	return nil
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

// Equal reports whether two tensors have the same dtype, shape, and element
// values.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a, b := t.Data.([]float32), other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a, b := t.Data.([]int32), other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}
	return true, nil
}

// ZeroGrad zeroes the accumulated gradients of the given tensors in place.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if !t.requiresGrad || t.grad == nil {
			continue
		}
		switch t.DType {
		case Float32:
			data := t.grad.Data.([]float32)
			for i := range data {
				data[i] = 0
			}
		case Int32:
			data := t.grad.Data.([]int32)
			for i := range data {
				data[i] = 0
			}
		}
	}
}

// FromScalar creates a single-element tensor from a float64 value.
func FromScalar(value float64, dtype DType) *Tensor {
	if dtype == Int32 {
		out, _ := NewTensor([]int{1}, Int32, []int32{int32(value)})
		return out
	}
	out, _ := NewTensor([]int{1}, Float32, []float32{float32(value)})
	return out
}

// Sqrt computes the element-wise square root. Negative inputs produce NaN.
func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("sqrt only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(math.Sqrt(float64(v)))
	}
	return NewTensor(t.Shape, t.DType, out)
}
