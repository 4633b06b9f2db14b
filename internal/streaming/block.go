package streaming

import (
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// TimeReduction merges every Factor consecutive frames into one, zero padding
// the tail: [B, T, F] -> [B, ceil(T/Factor), F*Factor].
type TimeReduction struct {
	Factor int
}

// Forward applies the reduction.
func (r TimeReduction) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 3 {
		panic(fmt.Errorf("%w: time reduction expects [B,T,F], got %v", tensor.ErrShape, x.Shape()))
	}
	b, t, f := x.Dim(0), x.Dim(1), x.Dim(2)
	padded := (t + r.Factor - 1) / r.Factor * r.Factor
	out := tensor.New(b, padded/r.Factor, f*r.Factor)
	od, xd := out.Data(), x.Data()
	for n := 0; n < b; n++ {
		copy(od[n*padded*f:n*padded*f+t*f], xd[n*t*f:(n+1)*t*f])
	}
	return out
}

// Block is one streaming layer: optional time reduction, a recurrent cell,
// optional layer normalization and a projection to dmodel.
type Block struct {
	name       string
	reduction  *TimeReduction
	cell       nn.Cell
	ln         *nn.LayerNorm
	projection *nn.Dense
}

// NewBlock creates a block reading in features per frame (before reduction).
func NewBlock(name string, in, reductionFactor int, cfg Config, init *nn.Initializer) (*Block, error) {
	b := &Block{name: name}
	if reductionFactor > 0 {
		b.reduction = &TimeReduction{Factor: reductionFactor}
		in *= reductionFactor
	}
	cell, err := nn.NewCell(cfg.RNNType, name+"_rnn", in, cfg.RNNUnits, init)
	if err != nil {
		return nil, err
	}
	b.cell = cell
	if cfg.LayerNorm {
		b.ln = nn.NewLayerNorm(name+"_ln", cfg.RNNUnits, init)
	}
	b.projection = nn.NewDense(name+"_projection", cfg.RNNUnits, cfg.DModel, init)
	return b, nil
}

// ReductionFactor is the block's own factor, 1 when it does not reduce.
func (b *Block) ReductionFactor() int {
	if b.reduction == nil {
		return 1
	}
	return b.reduction.Factor
}

// Forward runs the full sequence x [B, T, F] from zero state.
func (b *Block) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	out, _ := b.Recognize(x, nn.ZeroStates(b.cell, x.Dim(0)))
	return out
}

// Recognize runs x from states and returns the output and the final states.
// states is left untouched.
func (b *Block) Recognize(x *tensor.Tensor, states []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor) {
	out := x
	if b.reduction != nil {
		out = b.reduction.Forward(out)
	}
	out, next := nn.RunRNN(b.cell, out, states)
	if b.ln != nil {
		out = b.ln.Forward(out)
	}
	return b.projection.Forward(out), next
}

func (b *Block) Variables() []nn.Variable {
	vars := b.cell.Variables()
	if b.ln != nil {
		vars = append(vars, b.ln.Variables()...)
	}
	return append(vars, b.projection.Variables()...)
}
