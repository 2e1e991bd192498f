package tensor

import (
	"fmt"
	"math/rand"
	"time"
)

// NewTensor creates a tensor of the given shape and dtype. data may be a
// slice of the matching element type (adopted, not copied), a scalar of the
// element type (broadcast to every element), or nil to leave the tensor
// unbacked until SetData.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}
	if data == nil {
		return t, nil
	}
	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case float32:
		if t.DType != Float32 {
			return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
		}
		filled := make([]float32, t.NumElems)
		for i := range filled {
			filled[i] = d
		}
		t.Data = filled
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case int32:
		if t.DType != Int32 {
			return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
		}
		filled := make([]int32, t.NumElems)
		for i := range filled {
			filled[i] = d
		}
		t.Data = filled
	default:
		return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
	}
	return nil
}

// SetData replaces the tensor's backing data in place. The new data must
// match the tensor's element count and dtype.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

// emptySlice allocates a zeroed backing slice for n elements of dtype.
func emptySlice(dtype DType, n int) (interface{}, error) {
	switch dtype {
	case Float32:
		return make([]float32, n), nil
	case Int32:
		return make([]int32, n), nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Zeros creates a tensor with every element zero.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data, err := emptySlice(dtype, calculateNumElements(shape))
	if err != nil {
		return nil, fmt.Errorf("Zeros: %v", err)
	}
	return NewTensor(shape, dtype, data)
}

// Ones creates a tensor with every element one.
func Ones(shape []int, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, float32(1))
	case Int32:
		return NewTensor(shape, dtype, int32(1))
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

// Full creates a tensor with every element set to value, which must be a
// scalar of the dtype's element type.
func Full(shape []int, value interface{}, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, value)
}

// Random creates a tensor of uniform random values: [0, 1) for Float32,
// non-negative int31 values for Int32. Seeding is not deterministic; use it
// for test inputs, not weight init.
func Random(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := calculateNumElements(shape)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	switch dtype {
	case Float32:
		data := make([]float32, n)
		for i := range data {
			data[i] = rng.Float32()
		}
		return NewTensor(shape, dtype, data)
	case Int32:
		data := make([]int32, n)
		for i := range data {
			data[i] = rng.Int31()
		}
		return NewTensor(shape, dtype, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for Random: %s", dtype)
	}
}

// RandomNormal creates a Float32 tensor of normally distributed values with
// the given mean and standard deviation.
func RandomNormal(shape []int, mean, std float32, dtype DType) (*Tensor, error) {
	if dtype != Float32 {
		return nil, fmt.Errorf("RandomNormal only supports Float32 dtype")
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return NewTensor(shape, dtype, data)
}
