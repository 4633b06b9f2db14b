package conformer

import (
	"fmt"
	"math"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// maskPenalty is added to the logits of masked positions.
const maskPenalty = -10e9

// Attention is multi-head self-attention combined with a positional signal.
type Attention interface {
	// Forward attends over x [B, T, D]. pos is [T, D] or [B, T, D]; mask,
	// when non-nil, is [B, T, T] with 1 for visible keys and 0 for hidden.
	Forward(x, pos, mask *tensor.Tensor) *tensor.Tensor
	Variables() []nn.Variable
}

func newAttention(kind AttentionKind, name string, dmodel, numHeads, headSize int, init *nn.Initializer) (Attention, error) {
	base := newHeads(name, dmodel, numHeads, headSize, init)
	switch kind {
	case RelativeAttention:
		inner := numHeads * headSize
		return &relPositionAttention{
			heads: base,
			pos:   init.GlorotUniform(dmodel, inner, dmodel, inner),
			biasU: init.GlorotUniform(numHeads, headSize, numHeads, headSize),
			biasV: init.GlorotUniform(numHeads, headSize, numHeads, headSize),
		}, nil
	case AbsoluteAttention:
		return &absoluteAttention{heads: base}, nil
	}
	return nil, fmt.Errorf("%w: got %q", ErrInvalidAttention, kind)
}

// heads holds the query/key/value and output projections shared by both
// variants. Per-head kernels [H, D, hs] are stored flattened as [D, H*hs].
type heads struct {
	name     string
	numHeads int
	headSize int
	query    *tensor.Tensor
	key      *tensor.Tensor
	value    *tensor.Tensor
	proj     *nn.Dense
}

func newHeads(name string, dmodel, numHeads, headSize int, init *nn.Initializer) heads {
	inner := numHeads * headSize
	return heads{
		name:     name,
		numHeads: numHeads,
		headSize: headSize,
		query:    init.GlorotUniform(dmodel, inner, dmodel, inner),
		key:      init.GlorotUniform(dmodel, inner, dmodel, inner),
		value:    init.GlorotUniform(dmodel, inner, dmodel, inner),
		proj:     nn.NewDense(name+"_projection", inner, dmodel, init),
	}
}

func (h *heads) variables() []nn.Variable {
	vars := []nn.Variable{
		{Name: h.name + "/query_kernel", Value: h.query},
		{Name: h.name + "/key_kernel", Value: h.key},
		{Name: h.name + "/value_kernel", Value: h.value},
	}
	return append(vars, h.proj.Variables()...)
}

// attend turns raw logits [B, H, T, T] into the projected output [B, T, D].
func (h *heads) attend(logits []float64, v *tensor.Tensor, mask *tensor.Tensor, b, t int) *tensor.Tensor {
	nh, hs := h.numHeads, h.headSize
	inner := nh * hs
	scale := 1 / math.Sqrt(float64(hs))
	var md []float64
	if mask != nil {
		md = mask.Data()
	}
	vd := v.Data()
	out := tensor.New(b, t, inner)
	od := out.Data()
	for n := 0; n < b; n++ {
		for hh := 0; hh < nh; hh++ {
			for i := 0; i < t; i++ {
				row := logits[((n*nh+hh)*t+i)*t : ((n*nh+hh)*t+i+1)*t]
				for j := range row {
					row[j] *= scale
					if md != nil {
						row[j] += maskPenalty * (1 - md[(n*t+i)*t+j])
					}
				}
				nn.Softmax(row)
				dst := od[(n*t+i)*inner+hh*hs : (n*t+i)*inner+(hh+1)*hs]
				for j, a := range row {
					if a == 0 {
						continue
					}
					src := vd[(n*t+j)*inner+hh*hs : (n*t+j)*inner+(hh+1)*hs]
					for d, val := range src {
						dst[d] += a * val
					}
				}
			}
		}
	}
	return h.proj.Forward(out)
}

// contentLogits computes Σ_d (q[b,i,h,d] + bias[h,d]) k[b,j,h,d] into a
// [B, H, T, Tk] buffer. kBatched selects whether k carries a batch axis.
func (h *heads) contentLogits(q, k *tensor.Tensor, bias *tensor.Tensor, b, t, tk int, kBatched bool) []float64 {
	nh, hs := h.numHeads, h.headSize
	inner := nh * hs
	qd, kd := q.Data(), k.Data()
	var bd []float64
	if bias != nil {
		bd = bias.Data()
	}
	logits := make([]float64, b*nh*t*tk)
	for n := 0; n < b; n++ {
		koff := 0
		if kBatched {
			koff = n * tk * inner
		}
		for hh := 0; hh < nh; hh++ {
			for i := 0; i < t; i++ {
				qrow := qd[(n*t+i)*inner+hh*hs : (n*t+i)*inner+(hh+1)*hs]
				for j := 0; j < tk; j++ {
					krow := kd[koff+j*inner+hh*hs : koff+j*inner+(hh+1)*hs]
					s := 0.0
					for d := range qrow {
						qv := qrow[d]
						if bd != nil {
							qv += bd[hh*hs+d]
						}
						s += qv * krow[d]
					}
					logits[((n*nh+hh)*t+i)*tk+j] = s
				}
			}
		}
	}
	return logits
}

// absoluteAttention adds the positional signal to its input and runs scaled
// dot-product attention.
type absoluteAttention struct {
	heads
}

func (a *absoluteAttention) Forward(x, pos, mask *tensor.Tensor) *tensor.Tensor {
	in := x
	if pos != nil {
		in = tensor.Add(x, pos)
	}
	b, t := in.Dim(0), in.Dim(1)
	q := tensor.MatMul(in, a.query)
	k := tensor.MatMul(in, a.key)
	v := tensor.MatMul(in, a.value)
	logits := a.contentLogits(q, k, nil, b, t, t, true)
	return a.attend(logits, v, mask, b, t)
}

func (a *absoluteAttention) Variables() []nn.Variable { return a.variables() }

// relPositionAttention scores content against content with bias u and
// content against the projected positional signal with bias v, then aligns
// the positional term with the relative shift.
type relPositionAttention struct {
	heads
	pos   *tensor.Tensor // [D, H*hs]
	biasU *tensor.Tensor // [H, hs]
	biasV *tensor.Tensor // [H, hs]
}

func (r *relPositionAttention) Forward(x, pos, mask *tensor.Tensor) *tensor.Tensor {
	b, t := x.Dim(0), x.Dim(1)
	q := tensor.MatMul(x, r.query)
	k := tensor.MatMul(x, r.key)
	v := tensor.MatMul(x, r.value)
	p := tensor.MatMul(pos, r.pos)
	tp := p.Dim(-2)
	if tp < t {
		panic(fmt.Errorf("%w: positional length %d shorter than sequence %d", tensor.ErrShape, tp, t))
	}

	withU := r.contentLogits(q, k, r.biasU, b, t, t, true)
	withV := r.contentLogits(q, p, r.biasV, b, t, tp, p.Rank() == 3)

	nh := r.numHeads
	for n := 0; n < b; n++ {
		for hh := 0; hh < nh; hh++ {
			base := (n*nh + hh) * t * tp
			shifted := RelativeShift(withV[base:base+t*tp], t, tp)
			for i := 0; i < t; i++ {
				for j := 0; j < t; j++ {
					withU[((n*nh+hh)*t+i)*t+j] += shifted[i*tp+j]
				}
			}
		}
	}
	return r.attend(withU, v, mask, b, t)
}

func (r *relPositionAttention) Variables() []nn.Variable {
	vars := r.variables()
	return append(vars,
		nn.Variable{Name: r.name + "/pos_kernel", Value: r.pos},
		nn.Variable{Name: r.name + "/pos_bias_u", Value: r.biasU},
		nn.Variable{Name: r.name + "/pos_bias_v", Value: r.biasV},
	)
}

// RelativeShift realigns a [t1, t2] score matrix so that column j of row i
// refers to the relative offset between query i and key j: a zero column is
// prepended, the buffer is read as [t2+1, t1], its first row dropped, and the
// rest read back as [t1, t2].
func RelativeShift(x []float64, t1, t2 int) []float64 {
	padded := make([]float64, t1*(t2+1))
	for i := 0; i < t1; i++ {
		copy(padded[i*(t2+1)+1:(i+1)*(t2+1)], x[i*t2:(i+1)*t2])
	}
	out := make([]float64, t1*t2)
	copy(out, padded[t1:])
	return out
}

// PaddingMask builds a [B, T, T] attention mask hiding keys at or beyond
// each sequence's valid length.
func PaddingMask(lengths []int, t int) *tensor.Tensor {
	mask := tensor.New(len(lengths), t, t)
	md := mask.Data()
	for n, l := range lengths {
		for i := 0; i < t; i++ {
			for j := 0; j < t && j < l; j++ {
				md[(n*t+i)*t+j] = 1
			}
		}
	}
	return mask
}
