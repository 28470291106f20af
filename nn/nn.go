// Package nn holds the float32 building blocks shared by the transformer
// implementations: projections, normalisation, activations and softmax.
package nn

import (
	"github.com/chewxy/math32"
)

// Dot returns the inner product of a and b, which must have equal length.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

// Linear computes dst = w·x for a row-major weight matrix w with len(dst)
// rows and len(x) columns.
func Linear(dst, x, w []float32) {
	cols := len(x)
	for r := range dst {
		dst[r] = Dot(w[r*cols:(r+1)*cols], x)
	}
}

// RMSNorm writes x / rms(x) * weight into dst. dst may alias x.
func RMSNorm(dst, x, weight []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}

	scale := 1 / math32.Sqrt(ss/float32(len(x))+eps)
	for i := range x {
		dst[i] = x[i] * scale * weight[i]
	}
}

// SiLU is x * sigmoid(x), also known as swish.
func SiLU(x float32) float32 {
	return x / (1 + math32.Exp(-x))
}

// Add accumulates x into dst.
func Add(dst, x []float32) {
	for i := range dst {
		dst[i] += x[i]
	}
}

// Softmax normalises x in place. The maximum is subtracted first so large
// logits do not overflow.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}

	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i := range x {
		x[i] = math32.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// MaxAbsDiff returns the largest absolute elementwise difference between a
// and b, or +Inf if their lengths differ.
func MaxAbsDiff(a, b []float32) float32 {
	if len(a) != len(b) {
		return math32.Inf(1)
	}

	var diff float32
	for i := range a {
		diff = math32.Max(diff, math32.Abs(a[i]-b[i]))
	}

	return diff
}

// Argmax returns the index of the largest value in x.
func Argmax(x []float32) int {
	var idx int
	for i := range x {
		if x[i] > x[idx] {
			idx = i
		}
	}

	return idx
}
