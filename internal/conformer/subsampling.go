package conformer

import (
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Subsampler reduces the time resolution of [B, T, F, C] features by a fixed
// factor and flattens the remaining feature axes: [B, T', F'*C'].
type Subsampler interface {
	Forward(x *tensor.Tensor, training bool) *tensor.Tensor
	TimeReductionFactor() int
	// OutputDim is the flattened feature width of the output.
	OutputDim() int
	// OutputLength is T' for an input of t frames.
	OutputLength(t int) int
	Variables() []nn.Variable
}

func newSubsampler(name string, cfg Config, init *nn.Initializer) (Subsampler, error) {
	sc := cfg.Subsampling
	switch sc.Kind {
	case Conv2DSubsampling:
		return &conv2dSubsampling{
			conv1:   nn.NewConv2D(name+"_conv_1", cfg.FeatureChannels, sc.Filters, sc.KernelSize, sc.Strides, init),
			conv2:   nn.NewConv2D(name+"_conv_2", sc.Filters, sc.Filters, sc.KernelSize, sc.Strides, init),
			strides: sc.Strides,
			bins:    cfg.FeatureBins,
			filters: sc.Filters,
		}, nil
	case VGGSubsampling:
		f1, f2 := sc.Filters, 2*sc.Filters
		return &vggSubsampling{
			conv1:   nn.NewConv2D(name+"_conv_1", cfg.FeatureChannels, f1, sc.KernelSize, 1, init),
			conv2:   nn.NewConv2D(name+"_conv_2", f1, f1, sc.KernelSize, 1, init),
			conv3:   nn.NewConv2D(name+"_conv_3", f1, f2, sc.KernelSize, 1, init),
			conv4:   nn.NewConv2D(name+"_conv_4", f2, f2, sc.KernelSize, 1, init),
			pool:    nn.MaxPool2D{Pool: sc.Strides, Stride: sc.Strides},
			strides: sc.Strides,
			bins:    cfg.FeatureBins,
			filters: f2,
		}, nil
	}
	return nil, fmt.Errorf("%w: got %q", ErrInvalidSubsampling, sc.Kind)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

type conv2dSubsampling struct {
	conv1, conv2 *nn.Conv2D
	strides      int
	bins         int
	filters      int
}

func (s *conv2dSubsampling) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	out := nn.ReLU(s.conv1.Forward(x))
	out = nn.ReLU(s.conv2.Forward(out))
	return tensor.MergeLastDims(out)
}

func (s *conv2dSubsampling) TimeReductionFactor() int { return s.strides * s.strides }

func (s *conv2dSubsampling) OutputDim() int {
	return ceilDiv(ceilDiv(s.bins, s.strides), s.strides) * s.filters
}

func (s *conv2dSubsampling) OutputLength(t int) int {
	return ceilDiv(ceilDiv(t, s.strides), s.strides)
}

func (s *conv2dSubsampling) Variables() []nn.Variable {
	return append(s.conv1.Variables(), s.conv2.Variables()...)
}

type vggSubsampling struct {
	conv1, conv2, conv3, conv4 *nn.Conv2D
	pool                       nn.MaxPool2D
	strides                    int
	bins                       int
	filters                    int
}

func (s *vggSubsampling) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	out := nn.ReLU(s.conv1.Forward(x))
	out = nn.ReLU(s.conv2.Forward(out))
	out = s.pool.Forward(out)
	out = nn.ReLU(s.conv3.Forward(out))
	out = nn.ReLU(s.conv4.Forward(out))
	out = s.pool.Forward(out)
	return tensor.MergeLastDims(out)
}

func (s *vggSubsampling) TimeReductionFactor() int { return s.strides * s.strides }

func (s *vggSubsampling) OutputDim() int {
	return ceilDiv(ceilDiv(s.bins, s.strides), s.strides) * s.filters
}

func (s *vggSubsampling) OutputLength(t int) int {
	return ceilDiv(ceilDiv(t, s.strides), s.strides)
}

func (s *vggSubsampling) Variables() []nn.Variable {
	vars := append(s.conv1.Variables(), s.conv2.Variables()...)
	vars = append(vars, s.conv3.Variables()...)
	return append(vars, s.conv4.Variables()...)
}
