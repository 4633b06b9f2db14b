package conformer

import (
	"fmt"
	"math"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// PositionalEncoder produces the positional signal for a projected sequence
// x [B, T, D]. The result is either [T, D] (shared across the batch) or
// [B, T, D].
type PositionalEncoder interface {
	Encode(x *tensor.Tensor) *tensor.Tensor
}

func newPositionalEncoder(kind PositionalEncodingKind) (PositionalEncoder, error) {
	switch kind {
	case SinusoidEncoding:
		return sinusoid{}, nil
	case SinusoidConcatEncoding:
		return sinusoidConcat{}, nil
	case SubsamplingEncoding:
		return passthrough{}, nil
	}
	return nil, fmt.Errorf("%w: got %q", ErrInvalidPositionalEncoding, kind)
}

// sinusoid interleaves sin (even features) and cos (odd features) over
// positions counted down from T-1 to 0.
type sinusoid struct{}

func (sinusoid) Encode(x *tensor.Tensor) *tensor.Tensor {
	t, d := x.Dim(1), x.Dim(2)
	pe := tensor.New(t, d)
	data := pe.Data()
	for p := 0; p < t; p++ {
		pos := float64(t - 1 - p)
		for i := 0; i < d; i++ {
			angle := pos / math.Pow(10000, float64(2*(i/2))/float64(d))
			if i%2 == 0 {
				data[p*d+i] = math.Sin(angle)
			} else {
				data[p*d+i] = math.Cos(angle)
			}
		}
	}
	return pe
}

// sinusoidConcat lays out all sines first and all cosines after them.
type sinusoidConcat struct{}

func (sinusoidConcat) Encode(x *tensor.Tensor) *tensor.Tensor {
	t, d := x.Dim(1), x.Dim(2)
	half := d / 2
	pe := tensor.New(t, d)
	data := pe.Data()
	for p := 0; p < t; p++ {
		pos := float64(t - 1 - p)
		for i := 0; i < half; i++ {
			angle := pos / math.Pow(10000, float64(2*i)/float64(d))
			data[p*d+i] = math.Sin(angle)
			data[p*d+half+i] = math.Cos(angle)
		}
	}
	return pe
}

// passthrough uses the subsampled projection itself as the positional signal.
type passthrough struct{}

func (passthrough) Encode(x *tensor.Tensor) *tensor.Tensor { return x }
