package streaming

import (
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Encoder stacks NumLayers blocks after merging the frequency and channel
// axes.
//
// Recurrent state is an explicit value of shape [NumLayers, slots, B, units]
// (slots is 2 for LSTM, 1 otherwise). The encoder keeps no per-call state, so
// independent sessions can call Recognize concurrently with their own states.
type Encoder struct {
	cfg    Config
	blocks []*Block
	factor int
}

// NewEncoder validates cfg and builds the encoder.
func NewEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	init := nn.NewInitializer(cfg.Seed)
	enc := &Encoder{cfg: cfg, factor: ReductionFactor(cfg.Reductions, cfg.NumLayers)}

	in := cfg.FeatureBins * cfg.FeatureChannels
	for i := 0; i < cfg.NumLayers; i++ {
		block, err := NewBlock(fmt.Sprintf("streaming_encoder_block_%d", i), in, cfg.Reductions[i], cfg, init)
		if err != nil {
			return nil, err
		}
		enc.blocks = append(enc.blocks, block)
		in = cfg.DModel
	}
	return enc, nil
}

// Config returns the configuration the encoder was built with.
func (e *Encoder) Config() Config { return e.cfg }

// TimeReductionFactor is the product of the blocks' reduction factors.
func (e *Encoder) TimeReductionFactor() int { return e.factor }

// StateSlots is the number of state tensors per layer.
func (e *Encoder) StateSlots() int {
	if e.cfg.RNNType == nn.LSTM {
		return 2
	}
	return 1
}

// InitialState returns a zero state for a fresh session of batch streams.
func (e *Encoder) InitialState(batch int) *tensor.Tensor {
	return tensor.New(e.cfg.NumLayers, e.StateSlots(), batch, e.cfg.RNNUnits)
}

// Forward encodes features [B, T, F, C] from zero state and discards the
// final state.
func (e *Encoder) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := e.checkInput(x); err != nil {
		return nil, err
	}
	out := tensor.MergeLastDims(x)
	for _, block := range e.blocks {
		out = block.Forward(out, training)
	}
	return out, nil
}

// Recognize encodes features [B, T, F, C] starting from state and returns the
// encoding together with a new state. state is never modified.
func (e *Encoder) Recognize(x, state *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := e.checkInput(x); err != nil {
		return nil, nil, err
	}
	if err := e.checkState(state, x.Dim(0)); err != nil {
		return nil, nil, err
	}

	out := tensor.MergeLastDims(x)
	next := make([]*tensor.Tensor, len(e.blocks))
	for i, block := range e.blocks {
		layer := tensor.Index(state, i)
		states := make([]*tensor.Tensor, layer.Dim(0))
		for s := range states {
			states[s] = tensor.Index(layer, s)
		}
		var final []*tensor.Tensor
		out, final = block.Recognize(out, states)
		next[i] = tensor.Stack(final...)
	}
	return out, tensor.Stack(next...), nil
}

func (e *Encoder) checkInput(x *tensor.Tensor) error {
	if x == nil || x.Rank() != 4 || x.Dim(0) < 1 || x.Dim(1) < 1 ||
		x.Dim(2) != e.cfg.FeatureBins || x.Dim(3) != e.cfg.FeatureChannels {
		var shape []int
		if x != nil {
			shape = x.Shape()
		}
		return fmt.Errorf("%w: want [B,T,%d,%d], got %v", ErrInputShape, e.cfg.FeatureBins, e.cfg.FeatureChannels, shape)
	}
	return nil
}

func (e *Encoder) checkState(state *tensor.Tensor, batch int) error {
	want := []int{e.cfg.NumLayers, e.StateSlots(), batch, e.cfg.RNNUnits}
	if state == nil || state.Rank() != 4 {
		return fmt.Errorf("%w: want %v", ErrStateShape, want)
	}
	for i, d := range want {
		if state.Dim(i) != d {
			return fmt.Errorf("%w: want %v, got %v", ErrStateShape, want, state.Shape())
		}
	}
	return nil
}

// Variables returns every trainable parameter in construction order.
func (e *Encoder) Variables() []nn.Variable {
	var vars []nn.Variable
	for _, block := range e.blocks {
		vars = append(vars, block.Variables()...)
	}
	return vars
}
