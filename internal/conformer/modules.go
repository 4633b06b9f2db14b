package conformer

import (
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// FFModule is the half-step feed-forward residual.
type FFModule struct {
	name     string
	ln       *nn.LayerNorm
	expand   *nn.Dense
	project  *nn.Dense
	dropout1 *nn.Dropout
	dropout2 *nn.Dropout
	fcFactor float64
}

// NewFFModule creates a feed-forward module expanding dmodel to 4*dmodel.
func NewFFModule(name string, dmodel int, dropout, fcFactor float64, init *nn.Initializer) *FFModule {
	return &FFModule{
		name:     name,
		ln:       nn.NewLayerNorm(name+"_ln", dmodel, init),
		expand:   nn.NewDense(name+"_dense_1", dmodel, 4*dmodel, init),
		project:  nn.NewDense(name+"_dense_2", 4*dmodel, dmodel, init),
		dropout1: nn.NewDropout(dropout, init.Source()),
		dropout2: nn.NewDropout(dropout, init.Source()),
		fcFactor: fcFactor,
	}
}

// Forward returns x + fcFactor*branch(x).
func (m *FFModule) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	out := m.ln.Forward(x)
	out = nn.Swish(m.expand.Forward(out))
	out = m.dropout1.Forward(out, training)
	out = m.project.Forward(out)
	out = m.dropout2.Forward(out, training)
	return tensor.AddScaled(x, out, m.fcFactor)
}

func (m *FFModule) Variables() []nn.Variable {
	vars := m.ln.Variables()
	vars = append(vars, m.expand.Variables()...)
	return append(vars, m.project.Variables()...)
}

// MHSAModule wraps self-attention with pre-normalization and a full-weight
// residual.
type MHSAModule struct {
	ln      *nn.LayerNorm
	attn    Attention
	dropout *nn.Dropout
}

// NewMHSAModule creates the attention module. It fails with
// ErrInvalidAttention for an unknown kind.
func NewMHSAModule(name string, kind AttentionKind, dmodel, numHeads, headSize int, dropout float64, init *nn.Initializer) (*MHSAModule, error) {
	attn, err := newAttention(kind, name+"_mhsa", dmodel, numHeads, headSize, init)
	if err != nil {
		return nil, err
	}
	return &MHSAModule{
		ln:      nn.NewLayerNorm(name+"_ln", dmodel, init),
		attn:    attn,
		dropout: nn.NewDropout(dropout, init.Source()),
	}, nil
}

// Forward attends over x [B, T, D] with positional signal pos and an
// optional [B, T, T] mask.
func (m *MHSAModule) Forward(x, pos, mask *tensor.Tensor, training bool) *tensor.Tensor {
	out := m.ln.Forward(x)
	out = m.attn.Forward(out, pos, mask)
	out = m.dropout.Forward(out, training)
	return tensor.Add(x, out)
}

func (m *MHSAModule) Variables() []nn.Variable {
	return append(m.ln.Variables(), m.attn.Variables()...)
}

// ConvModule is the gated depthwise convolution block. Time length is
// preserved for any kernel size.
type ConvModule struct {
	ln      *nn.LayerNorm
	pwConv1 *nn.Conv2D
	dwConv  *nn.DepthwiseConv2D
	bn      *nn.BatchNorm
	pwConv2 *nn.Conv2D
	dropout *nn.Dropout
	dmodel  int
}

// NewConvModule creates a convolution module with a (kernelSize, 1)
// depthwise kernel.
func NewConvModule(name string, dmodel, kernelSize, depthMultiplier int, dropout float64, init *nn.Initializer) *ConvModule {
	return &ConvModule{
		ln:      nn.NewLayerNorm(name+"_ln", dmodel, init),
		pwConv1: nn.NewConv2D(name+"_pw_conv_1", dmodel, 2*dmodel, 1, 1, init),
		dwConv:  nn.NewDepthwiseConv2D(name+"_dw_conv", dmodel, kernelSize, 1, depthMultiplier, init),
		bn:      nn.NewBatchNorm(name+"_bn", dmodel*depthMultiplier, init),
		pwConv2: nn.NewConv2D(name+"_pw_conv_2", dmodel*depthMultiplier, dmodel, 1, 1, init),
		dropout: nn.NewDropout(dropout, init.Source()),
		dmodel:  dmodel,
	}
}

// Forward maps x [B, T, D] to [B, T, D].
func (m *ConvModule) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if x.Rank() != 3 || x.Dim(2) != m.dmodel {
		panic(fmt.Errorf("%w: conv module expects [B,T,%d], got %v", tensor.ErrShape, m.dmodel, x.Shape()))
	}
	b, t := x.Dim(0), x.Dim(1)
	out := m.ln.Forward(x).Reshape(b, t, 1, m.dmodel)
	out = m.pwConv1.Forward(out)
	out = nn.GLU(out)
	out = m.dwConv.Forward(out)
	out = m.bn.Forward(out, training)
	out = nn.Swish(out)
	out = m.pwConv2.Forward(out)
	out = out.Reshape(b, t, m.dmodel)
	out = m.dropout.Forward(out, training)
	return tensor.Add(x, out)
}

func (m *ConvModule) Variables() []nn.Variable {
	vars := m.ln.Variables()
	vars = append(vars, m.pwConv1.Variables()...)
	vars = append(vars, m.dwConv.Variables()...)
	vars = append(vars, m.bn.Variables()...)
	return append(vars, m.pwConv2.Variables()...)
}

// Block is FFM → MHSA → Conv → FFM → LayerNorm.
type Block struct {
	ffm1 *FFModule
	mhsa *MHSAModule
	conv *ConvModule
	ffm2 *FFModule
	ln   *nn.LayerNorm
}

// NewBlock creates one Conformer block from the encoder config.
func NewBlock(name string, cfg Config, init *nn.Initializer) (*Block, error) {
	mhsa, err := NewMHSAModule(name+"_mhsa_module", cfg.Attention, cfg.DModel, cfg.NumHeads, cfg.headSize(), cfg.Dropout, init)
	if err != nil {
		return nil, err
	}
	return &Block{
		ffm1: NewFFModule(name+"_ff_module_1", cfg.DModel, cfg.Dropout, cfg.FCFactor, init),
		mhsa: mhsa,
		conv: NewConvModule(name+"_conv_module", cfg.DModel, cfg.KernelSize, cfg.DepthMultiplier, cfg.Dropout, init),
		ffm2: NewFFModule(name+"_ff_module_2", cfg.DModel, cfg.Dropout, cfg.FCFactor, init),
		ln:   nn.NewLayerNorm(name+"_ln", cfg.DModel, init),
	}, nil
}

// Forward runs the block. pos reaches the attention module only.
func (b *Block) Forward(x, pos, mask *tensor.Tensor, training bool) *tensor.Tensor {
	out := b.ffm1.Forward(x, training)
	out = b.mhsa.Forward(out, pos, mask, training)
	out = b.conv.Forward(out, training)
	out = b.ffm2.Forward(out, training)
	return b.ln.Forward(out)
}

func (b *Block) Variables() []nn.Variable {
	vars := b.ffm1.Variables()
	vars = append(vars, b.mhsa.Variables()...)
	vars = append(vars, b.conv.Variables()...)
	vars = append(vars, b.ffm2.Variables()...)
	return append(vars, b.ln.Variables()...)
}
