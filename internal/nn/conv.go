package nn

import (
	"fmt"
	"math"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// SamePadding returns the output length and leading pad of a "same" padded
// window of size k with stride s over n inputs.
func SamePadding(n, k, s int) (out, before int) {
	out = (n + s - 1) / s
	total := max((out-1)*s+k-n, 0)
	return out, total / 2
}

// Conv2D is a 2-D convolution over [B, H, W, Cin] with "same" padding.
type Conv2D struct {
	Name    string
	Kernel  *tensor.Tensor // [kh, kw, cin, cout]
	Bias    *tensor.Tensor // [cout]
	Strides [2]int
}

// NewConv2D creates a convolution with a square kernel.
func NewConv2D(name string, cin, cout, kernel, stride int, init *Initializer) *Conv2D {
	fanIn := kernel * kernel * cin
	fanOut := kernel * kernel * cout
	return &Conv2D{
		Name:    name,
		Kernel:  init.GlorotUniform(fanIn, fanOut, kernel, kernel, cin, cout),
		Bias:    init.Zeros(cout),
		Strides: [2]int{stride, stride},
	}
}

// Forward convolves x [B, H, W, Cin] into [B, ceil(H/sh), ceil(W/sw), Cout].
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	ks := c.Kernel.Shape()
	kh, kw, cin, cout := ks[0], ks[1], ks[2], ks[3]
	if x.Rank() != 4 || x.Dim(3) != cin {
		panic(fmt.Errorf("%w: conv %s expects [B,H,W,%d], got %v", tensor.ErrShape, c.Name, cin, x.Shape()))
	}
	b, h, w := x.Dim(0), x.Dim(1), x.Dim(2)
	oh, ph := SamePadding(h, kh, c.Strides[0])
	ow, pw := SamePadding(w, kw, c.Strides[1])
	out := tensor.New(b, oh, ow, cout)
	in, o, k, bias := x.Data(), out.Data(), c.Kernel.Data(), c.Bias.Data()

	for n := 0; n < b; n++ {
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				dst := o[((n*oh+i)*ow+j)*cout : ((n*oh+i)*ow+j+1)*cout]
				copy(dst, bias)
				for di := 0; di < kh; di++ {
					y := i*c.Strides[0] + di - ph
					if y < 0 || y >= h {
						continue
					}
					for dj := 0; dj < kw; dj++ {
						xx := j*c.Strides[1] + dj - pw
						if xx < 0 || xx >= w {
							continue
						}
						src := in[((n*h+y)*w+xx)*cin : ((n*h+y)*w+xx+1)*cin]
						kbase := (di*kw + dj) * cin * cout
						for ci, v := range src {
							if v == 0 {
								continue
							}
							krow := k[kbase+ci*cout : kbase+(ci+1)*cout]
							for co, kv := range krow {
								dst[co] += v * kv
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Variables returns the kernel and bias.
func (c *Conv2D) Variables() []Variable {
	return []Variable{
		{Name: c.Name + "/kernel", Value: c.Kernel},
		{Name: c.Name + "/bias", Value: c.Bias},
	}
}

// DepthwiseConv2D convolves every input channel independently with
// Multiplier filters, stride 1, "same" padding.
type DepthwiseConv2D struct {
	Name       string
	Kernel     *tensor.Tensor // [kh, kw, c, multiplier]
	Bias       *tensor.Tensor // [c*multiplier]
	Multiplier int
}

// NewDepthwiseConv2D creates a depthwise convolution with a (kh, kw) kernel.
func NewDepthwiseConv2D(name string, channels, kh, kw, multiplier int, init *Initializer) *DepthwiseConv2D {
	fanIn := kh * kw
	fanOut := kh * kw * multiplier
	return &DepthwiseConv2D{
		Name:       name,
		Kernel:     init.GlorotUniform(fanIn, fanOut, kh, kw, channels, multiplier),
		Bias:       init.Zeros(channels * multiplier),
		Multiplier: multiplier,
	}
}

// Forward maps x [B, H, W, C] to [B, H, W, C*Multiplier].
func (d *DepthwiseConv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	ks := d.Kernel.Shape()
	kh, kw, ch, m := ks[0], ks[1], ks[2], ks[3]
	if x.Rank() != 4 || x.Dim(3) != ch {
		panic(fmt.Errorf("%w: depthwise conv %s expects [B,H,W,%d], got %v", tensor.ErrShape, d.Name, ch, x.Shape()))
	}
	b, h, w := x.Dim(0), x.Dim(1), x.Dim(2)
	_, ph := SamePadding(h, kh, 1)
	_, pw := SamePadding(w, kw, 1)
	cout := ch * m
	out := tensor.New(b, h, w, cout)
	in, o, k, bias := x.Data(), out.Data(), d.Kernel.Data(), d.Bias.Data()

	for n := 0; n < b; n++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				dst := o[((n*h+i)*w+j)*cout : ((n*h+i)*w+j+1)*cout]
				copy(dst, bias)
				for di := 0; di < kh; di++ {
					y := i + di - ph
					if y < 0 || y >= h {
						continue
					}
					for dj := 0; dj < kw; dj++ {
						xx := j + dj - pw
						if xx < 0 || xx >= w {
							continue
						}
						src := in[((n*h+y)*w+xx)*ch : ((n*h+y)*w+xx+1)*ch]
						kbase := (di*kw + dj) * ch * m
						for ci, v := range src {
							for mi := 0; mi < m; mi++ {
								dst[ci*m+mi] += v * k[kbase+ci*m+mi]
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Variables returns the depthwise kernel and bias.
func (d *DepthwiseConv2D) Variables() []Variable {
	return []Variable{
		{Name: d.Name + "/depthwise_kernel", Value: d.Kernel},
		{Name: d.Name + "/bias", Value: d.Bias},
	}
}

// MaxPool2D takes the window maximum with "same" padding; padded cells never
// win.
type MaxPool2D struct {
	Pool   int
	Stride int
}

// Forward pools x [B, H, W, C].
func (p MaxPool2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 4 {
		panic(fmt.Errorf("%w: max pool expects rank 4, got %v", tensor.ErrShape, x.Shape()))
	}
	b, h, w, c := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	oh, ph := SamePadding(h, p.Pool, p.Stride)
	ow, pw := SamePadding(w, p.Pool, p.Stride)
	out := tensor.New(b, oh, ow, c)
	in, o := x.Data(), out.Data()
	for n := 0; n < b; n++ {
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				dst := o[((n*oh+i)*ow+j)*c : ((n*oh+i)*ow+j+1)*c]
				for ci := range dst {
					dst[ci] = math.Inf(-1)
				}
				for di := 0; di < p.Pool; di++ {
					y := i*p.Stride + di - ph
					if y < 0 || y >= h {
						continue
					}
					for dj := 0; dj < p.Pool; dj++ {
						xx := j*p.Stride + dj - pw
						if xx < 0 || xx >= w {
							continue
						}
						src := in[((n*h+y)*w+xx)*c : ((n*h+y)*w+xx+1)*c]
						for ci, v := range src {
							dst[ci] = math.Max(dst[ci], v)
						}
					}
				}
			}
		}
	}
	return out
}
