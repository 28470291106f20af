package convert

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// PermuteRows reorders the rows of a Q or K projection so that rotary
// embeddings written for the other layout see the same (x, y) pairs.
//
// Converting to RopeInterleavedHalves views the rows as
// [heads, head_dim/2, 2, cols] and swaps the middle axes; converting to
// RopeAdjacentPairs views them as [heads, 2, head_dim/2, cols] and swaps
// them back. Values are never modified, only moved.
func PermuteRows(t *Tensor, heads int, to RopeLayout) (*Tensor, error) {
	if t == nil {
		return nil, ErrMissingTensor
	}

	rows, cols := t.Rows(), t.Cols()
	if heads <= 0 || rows%heads != 0 {
		return nil, fmt.Errorf("%w: %d rows are not divisible into %d heads", ErrShapeMismatch, rows, heads)
	}

	headDim := rows / heads
	if headDim%2 != 0 {
		return nil, fmt.Errorf("%w: head dimension %d is odd", ErrShapeMismatch, headDim)
	}

	var dims []int
	switch to {
	case RopeInterleavedHalves:
		dims = []int{heads, headDim / 2, 2, cols}
	case RopeAdjacentPairs:
		dims = []int{heads, 2, headDim / 2, cols}
	default:
		return nil, fmt.Errorf("unknown rope layout: %s", to)
	}

	n := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(slices.Clone(t.Data)))
	if err := n.Reshape(dims...); err != nil {
		return nil, err
	}

	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	// flatten so the data can be read back as a vector
	if err := n.Reshape(rows * cols); err != nil {
		return nil, err
	}

	f32s, err := native.VectorF32(n)
	if err != nil {
		return nil, err
	}

	return &Tensor{Shape: slices.Clone(t.Shape), Data: f32s}, nil
}

// RowPermutation returns the row mapping PermuteRows applies to a projection
// with the given number of rows: row i of the result is row perm[i] of the input.
func RowPermutation(rows, heads int, to RopeLayout) ([]int, error) {
	if heads <= 0 || rows%heads != 0 {
		return nil, fmt.Errorf("%w: %d rows are not divisible into %d heads", ErrShapeMismatch, rows, heads)
	}

	headDim := rows / heads
	if headDim%2 != 0 {
		return nil, fmt.Errorf("%w: head dimension %d is odd", ErrShapeMismatch, headDim)
	}

	half := headDim / 2
	perm := make([]int, rows)
	for h := range heads {
		base := h * headDim
		for i := range half {
			for j := range 2 {
				pairs, halves := base+2*i+j, base+j*half+i
				switch to {
				case RopeInterleavedHalves:
					perm[halves] = pairs
				case RopeAdjacentPairs:
					perm[pairs] = halves
				default:
					return nil, fmt.Errorf("unknown rope layout: %s", to)
				}
			}
		}
	}

	return perm, nil
}

// RotaryInvFreq computes the rotary inverse frequencies
// 1 / theta^(2i/head_dim) for i in [0, head_dim/2).
func RotaryInvFreq(headDim int, theta float32) *Tensor {
	freqs := make([]float32, headDim/2)
	for i := range freqs {
		freqs[i] = 1 / math32.Pow(theta, float32(2*i)/float32(headDim))
	}

	return &Tensor{Shape: []int{len(freqs)}, Data: freqs}
}
