package nn

import (
	"fmt"
	"math"
	"sync"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Dense is a fully connected projection of the last axis.
type Dense struct {
	Name   string
	Kernel *tensor.Tensor // [in, out]
	Bias   *tensor.Tensor // [out]
}

// NewDense creates a Glorot-initialized projection from in to out features.
func NewDense(name string, in, out int, init *Initializer) *Dense {
	return &Dense{
		Name:   name,
		Kernel: init.GlorotUniform(in, out, in, out),
		Bias:   init.Zeros(out),
	}
}

// Forward projects x [..., in] to [..., out].
func (d *Dense) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Add(tensor.MatMul(x, d.Kernel), d.Bias)
}

// Variables returns the kernel and bias.
func (d *Dense) Variables() []Variable {
	return []Variable{
		{Name: d.Name + "/kernel", Value: d.Kernel},
		{Name: d.Name + "/bias", Value: d.Bias},
	}
}

// LayerNormEpsilon matches the Keras default.
const LayerNormEpsilon = 1e-3

// LayerNorm normalizes over the last axis with learned scale and offset.
type LayerNorm struct {
	Name  string
	Gamma *tensor.Tensor
	Beta  *tensor.Tensor
}

// NewLayerNorm creates a layer normalization over dim features.
func NewLayerNorm(name string, dim int, init *Initializer) *LayerNorm {
	return &LayerNorm{Name: name, Gamma: init.Ones(dim), Beta: init.Zeros(dim)}
}

// Forward normalizes x [..., dim].
func (l *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	dim := x.Dim(-1)
	if dim != l.Gamma.Size() {
		panic(fmt.Errorf("%w: layer norm %s expects %d features, got %v", tensor.ErrShape, l.Name, l.Gamma.Size(), x.Shape()))
	}
	out := tensor.New(x.Shape()...)
	in, o := x.Data(), out.Data()
	g, b := l.Gamma.Data(), l.Beta.Data()
	for start := 0; start < len(in); start += dim {
		row := in[start : start+dim]
		mean, variance := meanVar(row)
		inv := 1 / math.Sqrt(variance+LayerNormEpsilon)
		for j, v := range row {
			o[start+j] = (v-mean)*inv*g[j] + b[j]
		}
	}
	return out
}

// Variables returns gamma and beta.
func (l *LayerNorm) Variables() []Variable {
	return []Variable{
		{Name: l.Name + "/gamma", Value: l.Gamma},
		{Name: l.Name + "/beta", Value: l.Beta},
	}
}

// BatchNorm normalizes the channel (last) axis with batch statistics while
// training and moving statistics otherwise.
type BatchNorm struct {
	Name     string
	Gamma    *tensor.Tensor
	Beta     *tensor.Tensor
	Momentum float64
	Epsilon  float64

	mu         sync.Mutex
	movingMean []float64
	movingVar  []float64
}

// NewBatchNorm creates a batch normalization over channels features.
func NewBatchNorm(name string, channels int, init *Initializer) *BatchNorm {
	mv := make([]float64, channels)
	for i := range mv {
		mv[i] = 1
	}
	return &BatchNorm{
		Name:       name,
		Gamma:      init.Ones(channels),
		Beta:       init.Zeros(channels),
		Momentum:   0.99,
		Epsilon:    1e-3,
		movingMean: make([]float64, channels),
		movingVar:  mv,
	}
}

// Forward normalizes x [..., channels]. In training mode the moving
// statistics are updated.
func (bn *BatchNorm) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	c := x.Dim(-1)
	if c != bn.Gamma.Size() {
		panic(fmt.Errorf("%w: batch norm %s expects %d channels, got %v", tensor.ErrShape, bn.Name, bn.Gamma.Size(), x.Shape()))
	}
	in := x.Data()
	rows := len(in) / c
	mean := make([]float64, c)
	variance := make([]float64, c)

	if training && rows > 0 {
		for r := 0; r < rows; r++ {
			for j := 0; j < c; j++ {
				mean[j] += in[r*c+j]
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for r := 0; r < rows; r++ {
			for j := 0; j < c; j++ {
				d := in[r*c+j] - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			variance[j] /= float64(rows)
		}
		bn.mu.Lock()
		for j := 0; j < c; j++ {
			bn.movingMean[j] = bn.movingMean[j]*bn.Momentum + mean[j]*(1-bn.Momentum)
			bn.movingVar[j] = bn.movingVar[j]*bn.Momentum + variance[j]*(1-bn.Momentum)
		}
		bn.mu.Unlock()
	} else {
		bn.mu.Lock()
		copy(mean, bn.movingMean)
		copy(variance, bn.movingVar)
		bn.mu.Unlock()
	}

	out := tensor.New(x.Shape()...)
	o := out.Data()
	g, b := bn.Gamma.Data(), bn.Beta.Data()
	for r := 0; r < rows; r++ {
		for j := 0; j < c; j++ {
			o[r*c+j] = (in[r*c+j]-mean[j])/math.Sqrt(variance[j]+bn.Epsilon)*g[j] + b[j]
		}
	}
	return out
}

// Snapshot records the moving statistics.
func (bn *BatchNorm) Snapshot() func() {
	bn.mu.Lock()
	mean := append([]float64(nil), bn.movingMean...)
	variance := append([]float64(nil), bn.movingVar...)
	bn.mu.Unlock()
	return func() {
		bn.mu.Lock()
		defer bn.mu.Unlock()
		copy(bn.movingMean, mean)
		copy(bn.movingVar, variance)
	}
}

// Variables returns gamma and beta; moving statistics are not trainable.
func (bn *BatchNorm) Variables() []Variable {
	return []Variable{
		{Name: bn.Name + "/gamma", Value: bn.Gamma},
		{Name: bn.Name + "/beta", Value: bn.Beta},
	}
}

// Dropout zeroes a fraction of activations during training and rescales
// the survivors.
type Dropout struct {
	Rate float64
	src  *Source
}

// NewDropout creates a dropout layer drawing from src.
func NewDropout(rate float64, src *Source) *Dropout {
	return &Dropout{Rate: rate, src: src}
}

// Forward applies dropout when training and Rate > 0.
func (d *Dropout) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if !training || d.Rate <= 0 {
		return x
	}
	keep := 1 - d.Rate
	return tensor.Map(x, func(v float64) float64 {
		if d.src.Float64() < keep {
			return v / keep
		}
		return 0
	})
}

// GaussianNoise adds zero-mean noise with a fixed standard deviation.
type GaussianNoise struct {
	StdDev float64
	src    *Source
}

// NewGaussianNoise creates a noise layer drawing from src.
func NewGaussianNoise(stddev float64, src *Source) *GaussianNoise {
	return &GaussianNoise{StdDev: stddev, src: src}
}

// Forward returns x + N(0, StdDev²).
func (g *GaussianNoise) Forward(x *tensor.Tensor) *tensor.Tensor {
	if g.StdDev == 0 {
		return x.Clone()
	}
	return tensor.Map(x, func(v float64) float64 {
		return v + g.StdDev*g.src.NormFloat64()
	})
}

func meanVar(row []float64) (float64, float64) {
	mean := 0.0
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))
	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	return mean, variance / float64(len(row))
}
