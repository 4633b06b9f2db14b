package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShape is the panic value for operations on tensors with incompatible
// shapes, following gonum's mat.ErrShape convention.
var ErrShape = errors.New("tensor: dimension mismatch")

// Tensor is a dense, row-major float64 array of arbitrary rank.
//
// Operations in this package never modify their operands; every result is
// freshly allocated except Reshape, which shares the backing slice.
type Tensor struct {
	shape []int
	data  []float64
}

// New returns a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: cloneInts(shape), data: make([]float64, volume(shape))}
}

// FromSlice wraps data in a tensor of the given shape. The slice is not copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	if len(data) != volume(shape) {
		panic(fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape))
	}
	return &Tensor{shape: cloneInts(shape), data: data}
}

// Full returns a tensor of the given shape filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return cloneInts(t.shape) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns dimension i; negative values count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape...)
	copy(out.data, t.data)
	return out
}

// Reshape returns a tensor viewing the same data with a new shape. One
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = cloneInts(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic(fmt.Errorf("%w: more than one inferred dimension in %v", ErrShape, shape))
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape))
		}
		shape[infer] = len(t.data) / known
	}
	if volume(shape) != len(t.data) {
		panic(fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape))
	}
	return &Tensor{shape: shape, data: t.data}
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set stores v at the given index.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Errorf("%w: index %v for shape %v", ErrShape, idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Errorf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// String renders the shape, which is what matters in log lines.
func (t *Tensor) String() string { return fmt.Sprintf("Tensor%v", t.shape) }

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// broadcastable reports whether b's shape is a suffix of a's shape.
func broadcastable(a, b *Tensor) bool {
	if len(b.shape) > len(a.shape) {
		return false
	}
	off := len(a.shape) - len(b.shape)
	for i := range b.shape {
		if a.shape[off+i] != b.shape[i] {
			return false
		}
	}
	return true
}

func binary(a, b *Tensor, op func(x, y float64) float64) *Tensor {
	if !broadcastable(a, b) {
		panic(fmt.Errorf("%w: %v and %v", ErrShape, a.shape, b.shape))
	}
	out := New(a.shape...)
	n := len(b.data)
	if n == 0 {
		return out
	}
	for i, v := range a.data {
		out.data[i] = op(v, b.data[i%n])
	}
	return out
}

// Add returns a + b. b may have a shape equal to a trailing suffix of a's
// shape, in which case it is broadcast over the leading dimensions.
func Add(a, b *Tensor) *Tensor {
	if SameShape(a, b) {
		out := a.Clone()
		floats.Add(out.data, b.data)
		return out
	}
	return binary(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b with the same broadcasting rule as Add.
func Sub(a, b *Tensor) *Tensor {
	if SameShape(a, b) {
		out := a.Clone()
		floats.Sub(out.data, b.data)
		return out
	}
	return binary(a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns the elementwise product with the same broadcasting rule as Add.
func Mul(a, b *Tensor) *Tensor {
	if SameShape(a, b) {
		out := a.Clone()
		floats.Mul(out.data, b.data)
		return out
	}
	return binary(a, b, func(x, y float64) float64 { return x * y })
}

// Scale returns s*a.
func Scale(a *Tensor, s float64) *Tensor {
	out := a.Clone()
	floats.Scale(s, out.data)
	return out
}

// AddScaled returns a + s*b for equally shaped a and b.
func AddScaled(a, b *Tensor, s float64) *Tensor {
	if !SameShape(a, b) {
		panic(fmt.Errorf("%w: %v and %v", ErrShape, a.shape, b.shape))
	}
	out := a.Clone()
	floats.AddScaled(out.data, s, b.data)
	return out
}

// Blend returns (1-w)*a + w*b.
func Blend(a, b *Tensor, w float64) *Tensor {
	return AddScaled(Scale(a, 1-w), b, w)
}

// Map applies fn to every element.
func Map(a *Tensor, fn func(float64) float64) *Tensor {
	out := New(a.shape...)
	for i, v := range a.data {
		out.data[i] = fn(v)
	}
	return out
}

// MatMul multiplies the last axis of x [..., in] by w [in, out].
func MatMul(x, w *Tensor) *Tensor {
	if w.Rank() != 2 || x.Rank() == 0 || x.Dim(-1) != w.shape[0] {
		panic(fmt.Errorf("%w: matmul %v by %v", ErrShape, x.shape, w.shape))
	}
	in, outDim := w.shape[0], w.shape[1]
	shape := cloneInts(x.shape)
	shape[len(shape)-1] = outDim
	out := New(shape...)
	rows := len(x.data) / max(in, 1)
	if rows == 0 || in == 0 || outDim == 0 {
		return out
	}
	xm := mat.NewDense(rows, in, x.data)
	wm := mat.NewDense(in, outDim, w.data)
	om := mat.NewDense(rows, outDim, out.data)
	om.Mul(xm, wm)
	return out
}

// Concat joins tensors along axis; all other dimensions must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic(fmt.Errorf("%w: concat of nothing", ErrShape))
	}
	first := ts[0]
	if axis < 0 {
		axis += first.Rank()
	}
	shape := first.Shape()
	shape[axis] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			panic(fmt.Errorf("%w: concat %v with %v", ErrShape, first.shape, t.shape))
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != first.shape[i] {
				panic(fmt.Errorf("%w: concat %v with %v", ErrShape, first.shape, t.shape))
			}
		}
		shape[axis] += t.shape[axis]
	}
	out := New(shape...)
	outer := volume(shape[:axis])
	inner := volume(shape[axis+1:])
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			n := t.shape[axis] * inner
			copy(out.data[pos:pos+n], t.data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out
}

// Slice returns the half-open range [start, end) of axis.
func Slice(t *Tensor, axis, start, end int) *Tensor {
	if axis < 0 {
		axis += t.Rank()
	}
	if start < 0 || end > t.shape[axis] || start > end {
		panic(fmt.Errorf("%w: slice [%d:%d] of axis %d in %v", ErrShape, start, end, axis, t.shape))
	}
	shape := t.Shape()
	shape[axis] = end - start
	out := New(shape...)
	outer := volume(t.shape[:axis])
	inner := volume(t.shape[axis+1:])
	n := (end - start) * inner
	for o := 0; o < outer; o++ {
		src := o*t.shape[axis]*inner + start*inner
		copy(out.data[o*n:(o+1)*n], t.data[src:src+n])
	}
	return out
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic(fmt.Errorf("%w: stack of nothing", ErrShape))
	}
	shape := append([]int{len(ts)}, ts[0].shape...)
	out := New(shape...)
	n := ts[0].Size()
	for i, t := range ts {
		if !SameShape(t, ts[0]) {
			panic(fmt.Errorf("%w: stack %v with %v", ErrShape, ts[0].shape, t.shape))
		}
		copy(out.data[i*n:(i+1)*n], t.data)
	}
	return out
}

// Index returns a copy of the i-th sub-tensor along the leading axis.
func Index(t *Tensor, i int) *Tensor {
	if t.Rank() == 0 || i < 0 || i >= t.shape[0] {
		panic(fmt.Errorf("%w: index %d of %v", ErrShape, i, t.shape))
	}
	out := New(t.shape[1:]...)
	n := out.Size()
	copy(out.data, t.data[i*n:(i+1)*n])
	return out
}

// MergeLastDims folds the last two dimensions into one.
func MergeLastDims(t *Tensor) *Tensor {
	if t.Rank() < 2 {
		panic(fmt.Errorf("%w: merge last dims of %v", ErrShape, t.shape))
	}
	shape := cloneInts(t.shape[:t.Rank()-2])
	shape = append(shape, t.Dim(-2)*t.Dim(-1))
	return t.Clone().Reshape(shape...)
}

// SquaredErrorSum is the Keras mean-squared-error with SUM reduction: the
// squared difference is averaged over the last axis and summed over the rest.
func SquaredErrorSum(a, b *Tensor) float64 {
	if !SameShape(a, b) {
		panic(fmt.Errorf("%w: %v and %v", ErrShape, a.shape, b.shape))
	}
	if a.Rank() == 0 || a.Size() == 0 {
		return 0
	}
	last := a.Dim(-1)
	diff := make([]float64, len(a.data))
	floats.SubTo(diff, a.data, b.data)
	return floats.Dot(diff, diff) / float64(last)
}

// AllClose reports whether a and b have equal shapes and elements within tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	return floats.EqualApprox(a.data, b.data, tol)
}

// IsFinite reports whether no element is NaN or infinite.
func IsFinite(t *Tensor) bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("%w: negative dimension in %v", ErrShape, shape))
		}
		n *= d
	}
	return n
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}
