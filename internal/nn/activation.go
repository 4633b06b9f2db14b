package nn

import (
	"fmt"
	"math"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Sigmoid is the logistic function.
func Sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

// Swish returns x * sigmoid(x) elementwise.
func Swish(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Map(x, func(v float64) float64 { return v * Sigmoid(v) })
}

// ReLU returns max(x, 0) elementwise.
func ReLU(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Map(x, func(v float64) float64 { return math.Max(v, 0) })
}

// Tanh returns tanh(x) elementwise.
func Tanh(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Map(x, math.Tanh)
}

// GLU splits the last axis in halves a and b and returns a * sigmoid(b).
func GLU(x *tensor.Tensor) *tensor.Tensor {
	c := x.Dim(-1)
	if c%2 != 0 {
		panic(fmt.Errorf("%w: GLU needs an even channel count, got %v", tensor.ErrShape, x.Shape()))
	}
	half := c / 2
	shape := x.Shape()
	shape[len(shape)-1] = half
	out := tensor.New(shape...)
	in, o := x.Data(), out.Data()
	rows := len(in) / c
	for r := 0; r < rows; r++ {
		for j := 0; j < half; j++ {
			o[r*half+j] = in[r*c+j] * Sigmoid(in[r*c+half+j])
		}
	}
	return out
}

// Softmax normalizes each row of n values in place.
func Softmax(row []float64) {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, v)
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - m)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

// LogSoftmax returns log(softmax(row)) without modifying row.
func LogSoftmax(row []float64) []float64 {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, v)
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - m)
	}
	lse := m + math.Log(sum)
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = v - lse
	}
	return out
}
