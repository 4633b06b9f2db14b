package conformer

import (
	"errors"
	"math"
	"testing"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

func randomInput(seed uint64, shape ...int) *tensor.Tensor {
	src := nn.NewSource(seed)
	return tensor.Map(tensor.New(shape...), func(float64) float64 { return src.NormFloat64() })
}

func TestFFModule_HalfStepResidual(t *testing.T) {
	x := randomInput(1, 2, 5, 8)

	half := NewFFModule("ff", 8, 0, 0.5, nn.NewInitializer(7)).Forward(x, false)
	full := NewFFModule("ff", 8, 0, 1.0, nn.NewInitializer(7)).Forward(x, false)

	if !tensor.SameShape(half, x) {
		t.Fatalf("Expected shape %v, got %v", x.Shape(), half.Shape())
	}
	branchHalf := tensor.Sub(half, x)
	branchFull := tensor.Sub(full, x)
	if !tensor.AllClose(tensor.Scale(branchHalf, 2), branchFull, 1e-9) {
		t.Error("Expected fc_factor to scale only the residual branch")
	}
}

func TestMHSAModule_PreservesShape(t *testing.T) {
	tests := []struct {
		kind     AttentionKind
		dmodel   int
		numHeads int
		t        int
	}{
		{RelativeAttention, 8, 2, 5},
		{RelativeAttention, 12, 3, 1},
		{AbsoluteAttention, 8, 4, 7},
		{AbsoluteAttention, 6, 1, 3},
	}

	for _, tt := range tests {
		m, err := NewMHSAModule("mhsa", tt.kind, tt.dmodel, tt.numHeads, tt.dmodel/tt.numHeads, 0, nn.NewInitializer(3))
		if err != nil {
			t.Fatalf("NewMHSAModule(%s) failed: %v", tt.kind, err)
		}
		x := randomInput(2, 2, tt.t, tt.dmodel)
		pos := sinusoid{}.Encode(x)
		out := m.Forward(x, pos, nil, false)
		if !tensor.SameShape(out, x) {
			t.Errorf("%s dmodel=%d heads=%d: expected shape %v, got %v", tt.kind, tt.dmodel, tt.numHeads, x.Shape(), out.Shape())
		}
		if !tensor.IsFinite(out) {
			t.Errorf("%s: expected finite output", tt.kind)
		}
	}
}

func TestNewMHSAModule_InvalidKind(t *testing.T) {
	_, err := NewMHSAModule("mhsa", AttentionKind("local"), 8, 2, 4, 0, nn.NewInitializer(1))
	if !errors.Is(err, ErrInvalidAttention) {
		t.Errorf("Expected ErrInvalidAttention, got %v", err)
	}
}

func TestConvModule_PreservesTime(t *testing.T) {
	for _, kernel := range []int{1, 2, 3, 32} {
		for _, steps := range []int{1, 5, 17} {
			m := NewConvModule("conv", 8, kernel, 1, 0, nn.NewInitializer(5))
			x := randomInput(4, 2, steps, 8)
			out := m.Forward(x, true)
			if !tensor.SameShape(out, x) {
				t.Errorf("kernel=%d T=%d: expected shape %v, got %v", kernel, steps, x.Shape(), out.Shape())
			}
		}
	}
}

func TestConvModule_DepthMultiplier(t *testing.T) {
	m := NewConvModule("conv", 6, 3, 2, 0, nn.NewInitializer(5))
	x := randomInput(4, 1, 4, 6)
	out := m.Forward(x, false)
	if !tensor.SameShape(out, x) {
		t.Errorf("Expected shape %v, got %v", x.Shape(), out.Shape())
	}
}

func TestBlock_PreservesShape(t *testing.T) {
	cfg := smallConfig()
	block, err := NewBlock("block", cfg, nn.NewInitializer(9))
	if err != nil {
		t.Fatalf("NewBlock failed: %v", err)
	}
	x := randomInput(8, 2, 6, cfg.DModel)
	out := block.Forward(x, sinusoid{}.Encode(x), nil, true)
	if !tensor.SameShape(out, x) {
		t.Errorf("Expected shape %v, got %v", x.Shape(), out.Shape())
	}
}

func TestRelativeShift(t *testing.T) {
	got := RelativeShift([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	want := []float64{2, 3, 0, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}

	got = RelativeShift([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 3, 3)
	want = []float64{3, 0, 4, 5, 6, 0, 7, 8, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestPaddingMask(t *testing.T) {
	mask := PaddingMask([]int{2, 4}, 4)
	if mask.At(0, 3, 1) != 1 || mask.At(0, 0, 2) != 0 || mask.At(1, 2, 3) != 1 {
		t.Errorf("Unexpected mask values")
	}
}

func TestMHSAModule_MaskIgnoresPaddedFrames(t *testing.T) {
	for _, kind := range []AttentionKind{RelativeAttention, AbsoluteAttention} {
		m, err := NewMHSAModule("mhsa", kind, 8, 2, 4, 0, nn.NewInitializer(11))
		if err != nil {
			t.Fatalf("NewMHSAModule failed: %v", err)
		}
		x := randomInput(12, 1, 5, 8)
		perturbed := x.Clone()
		for d := 0; d < 8; d++ {
			perturbed.Set(perturbed.At(0, 4, d)+3, 0, 4, d)
		}
		mask := PaddingMask([]int{4}, 5)
		pos := sinusoid{}.Encode(x)

		a := m.Forward(x, pos, mask, false)
		b := m.Forward(perturbed, pos, mask, false)
		for i := 0; i < 4; i++ {
			for d := 0; d < 8; d++ {
				if math.Abs(a.At(0, i, d)-b.At(0, i, d)) > 1e-9 {
					t.Fatalf("%s: frame %d changed when only the padded frame did", kind, i)
				}
			}
		}
	}
}

func TestPositionalEncoding(t *testing.T) {
	x := tensor.New(1, 3, 4)

	pe := sinusoid{}.Encode(x)
	// The last position counts as 0: sin(0)=0, cos(0)=1 interleaved.
	want := []float64{0, 1, 0, 1}
	for i, v := range want {
		if math.Abs(pe.At(2, i)-v) > 1e-12 {
			t.Errorf("sinusoid[2][%d] = %f, expected %f", i, pe.At(2, i), v)
		}
	}
	if math.Abs(pe.At(0, 0)-math.Sin(2)) > 1e-12 {
		t.Errorf("Expected sin(2) at position 0, got %f", pe.At(0, 0))
	}

	pe = sinusoidConcat{}.Encode(x)
	want = []float64{0, 0, 1, 1}
	for i, v := range want {
		if math.Abs(pe.At(2, i)-v) > 1e-12 {
			t.Errorf("sinusoid_concat[2][%d] = %f, expected %f", i, pe.At(2, i), v)
		}
	}

	if (passthrough{}).Encode(x) != x {
		t.Error("Expected subsampling encoding to reuse its input")
	}

	if _, err := newPositionalEncoder("rope"); !errors.Is(err, ErrInvalidPositionalEncoding) {
		t.Errorf("Expected ErrInvalidPositionalEncoding, got %v", err)
	}
}
