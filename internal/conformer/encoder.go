package conformer

import (
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/schedule"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Encoder is the Conformer encoder with the noised/clean consistency blend.
//
// The noised branch runs the perturbed features through the whole stack; the
// clean branch reuses the subsampling, projection and dropout instances on the
// raw features and stops before the blocks. Forward returns
// (1-w)*noised + w*clean with w = schedule.Anneal(ep), together with the
// summed squared error between the branches.
type Encoder struct {
	cfg         Config
	src         *nn.Source
	noise       *nn.GaussianNoise
	subsampling Subsampler
	linear      *nn.Dense
	pe          PositionalEncoder
	dropout     *nn.Dropout
	blocks      []*Block
}

// NewEncoder validates cfg and builds the encoder.
func NewEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	init := nn.NewInitializer(cfg.Seed)

	sub, err := newSubsampler("subsampling", cfg, init)
	if err != nil {
		return nil, err
	}
	pe, err := newPositionalEncoder(cfg.PositionalEncoding)
	if err != nil {
		return nil, err
	}
	enc := &Encoder{
		cfg:         cfg,
		src:         init.Source(),
		noise:       nn.NewGaussianNoise(cfg.NoiseStdDev, init.Source()),
		subsampling: sub,
		linear:      nn.NewDense("linear", sub.OutputDim(), cfg.DModel, init),
		pe:          pe,
		dropout:     nn.NewDropout(cfg.Dropout, init.Source()),
	}
	for i := 0; i < cfg.NumBlocks; i++ {
		block, err := NewBlock(fmt.Sprintf("conformer_block_%d", i), cfg, init)
		if err != nil {
			return nil, err
		}
		enc.blocks = append(enc.blocks, block)
	}
	return enc, nil
}

// Config returns the configuration the encoder was built with.
func (e *Encoder) Config() Config { return e.cfg }

// TimeReductionFactor is the subsampling factor between input frames and
// encoded frames.
func (e *Encoder) TimeReductionFactor() int { return e.subsampling.TimeReductionFactor() }

// OutputLength returns the encoded length of t input frames.
func (e *Encoder) OutputLength(t int) int { return e.subsampling.OutputLength(t) }

// Forward encodes features [B, T, F, C] at epoch ep.
func (e *Encoder) Forward(x *tensor.Tensor, ep int, training bool) (*tensor.Tensor, float64, error) {
	return e.ForwardWithMask(x, nil, ep, training)
}

// ForwardWithMask is Forward with an attention mask [B, T', T'] over the
// subsampled frames, as built by PaddingMask.
func (e *Encoder) ForwardWithMask(x, mask *tensor.Tensor, ep int, training bool) (*tensor.Tensor, float64, error) {
	if err := e.checkInput(x); err != nil {
		return nil, 0, err
	}
	if mask != nil {
		tp := e.OutputLength(x.Dim(1))
		if mask.Rank() != 3 || mask.Dim(0) != x.Dim(0) || mask.Dim(1) != tp || mask.Dim(2) != tp {
			return nil, 0, fmt.Errorf("%w: mask %v does not match [%d,%d,%d]", ErrInputShape, mask.Shape(), x.Dim(0), tp, tp)
		}
	}

	noisedIn := x
	if training || !e.cfg.NoiseTrainingOnly {
		noisedIn = e.noise.Forward(x)
	}
	noised := e.linear.Forward(e.subsampling.Forward(noisedIn, training))
	pos := e.pe.Encode(noised)
	noised = e.dropout.Forward(noised, training)
	for _, block := range e.blocks {
		noised = block.Forward(noised, pos, mask, training)
	}

	clean := e.linear.Forward(e.subsampling.Forward(x, training))
	clean = e.dropout.Forward(clean, training)

	w := schedule.Anneal(ep)
	aux := tensor.SquaredErrorSum(noised, clean)
	return tensor.Blend(noised, clean, w), aux, nil
}

func (e *Encoder) checkInput(x *tensor.Tensor) error {
	if x == nil {
		return fmt.Errorf("%w: nil features", ErrInputShape)
	}
	if x.Rank() != 4 {
		return fmt.Errorf("%w: want [B,T,%d,%d], got %v", ErrInputShape, e.cfg.FeatureBins, e.cfg.FeatureChannels, x.Shape())
	}
	if x.Dim(0) < 1 || x.Dim(1) < 1 || x.Dim(2) != e.cfg.FeatureBins || x.Dim(3) != e.cfg.FeatureChannels {
		return fmt.Errorf("%w: want [B,T,%d,%d], got %v", ErrInputShape, e.cfg.FeatureBins, e.cfg.FeatureChannels, x.Shape())
	}
	return nil
}

// Variables returns every trainable parameter in construction order.
func (e *Encoder) Variables() []nn.Variable {
	vars := e.subsampling.Variables()
	vars = append(vars, e.linear.Variables()...)
	for _, block := range e.blocks {
		vars = append(vars, block.Variables()...)
	}
	return vars
}

// State lists what a training-mode forward pass changes besides the
// variables: the shared noise/dropout source and the batch-norm statistics.
func (e *Encoder) State() []nn.Stateful {
	states := []nn.Stateful{e.src}
	for _, block := range e.blocks {
		states = append(states, block.conv.bn)
	}
	return states
}
