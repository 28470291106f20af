package convert

import (
	"fmt"
	"math"
	"slices"
)

// Tensor is a dense row-major float32 tensor. The first dimension indexes rows;
// all remaining dimensions are flattened into columns.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor wraps data in a tensor of the given shape. data is not copied.
func NewTensor(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: tensor has no dimensions", ErrShapeMismatch)
	}

	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: invalid dimension %d in %v", ErrShapeMismatch, dim, shape)
		}
		size *= dim
	}

	if size != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShapeMismatch, shape, size, len(data))
	}

	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Zeros returns a zero filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}

	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, size)}
}

func (t *Tensor) Rows() int {
	return t.Shape[0]
}

func (t *Tensor) Cols() int {
	cols := 1
	for _, dim := range t.Shape[1:] {
		cols *= dim
	}

	return cols
}

// Len is the number of elements in the tensor.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Row returns row i as a slice aliasing the tensor's data.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Cols()
	return t.Data[i*cols : (i+1)*cols]
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Equal reports whether t and o have the same shape and bitwise identical data.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}

	if !slices.Equal(t.Shape, o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}

	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
			return false
		}
	}

	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
