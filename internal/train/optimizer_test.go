package train

import (
	"errors"
	"math"
	"testing"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

func quadraticVars() []nn.Variable {
	return []nn.Variable{
		{Name: "w", Value: tensor.FromSlice([]float64{1, -2}, 2)},
		{Name: "b", Value: tensor.FromSlice([]float64{3}, 1)},
	}
}

// f = w0² + 3·w1² + w0·b
func quadratic(vars []nn.Variable) Objective {
	return func() (float64, error) {
		w, b := vars[0].Value.Data(), vars[1].Value.Data()
		return w[0]*w[0] + 3*w[1]*w[1] + w[0]*b[0], nil
	}
}

func TestFiniteDifference_Quadratic(t *testing.T) {
	vars := quadraticVars()
	grads, err := NewFiniteDifference(0).Gradients(quadratic(vars), vars)
	if err != nil {
		t.Fatalf("Gradients failed: %v", err)
	}
	want := [][]float64{{2*1 + 3, 6 * -2}, {1}}
	for i := range want {
		for j, w := range want[i] {
			if got := grads[i].Data()[j]; math.Abs(got-w) > 1e-6 {
				t.Errorf("Expected gradient %f for %s[%d], got %f", w, vars[i].Name, j, got)
			}
		}
	}
	if vars[0].Value.Data()[0] != 1 || vars[1].Value.Data()[0] != 3 {
		t.Error("Expected parameters to be restored")
	}
}

func TestFiniteDifference_PropagatesError(t *testing.T) {
	vars := quadraticVars()
	boom := errors.New("boom")
	_, err := NewFiniteDifference(1e-3).Gradients(func() (float64, error) { return 0, boom }, vars)
	if !errors.Is(err, boom) {
		t.Errorf("Expected %v, got %v", boom, err)
	}
	if vars[0].Value.Data()[0] != 1 {
		t.Error("Expected parameters to be restored after an error")
	}
}

func TestSGD_Apply(t *testing.T) {
	vars := quadraticVars()
	grads := []*tensor.Tensor{tensor.FromSlice([]float64{1, 1}, 2), tensor.FromSlice([]float64{-2}, 1)}
	if err := (SGD{LearningRate: 0.5}).Apply(grads, vars); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float64{0.5, -2.5}
	if !tensor.AllClose(vars[0].Value, tensor.FromSlice(want, 2), 1e-12) {
		t.Errorf("Expected %v, got %v", want, vars[0].Value.Data())
	}
	if vars[1].Value.Data()[0] != 4 {
		t.Errorf("Expected 4, got %f", vars[1].Value.Data()[0])
	}

	if err := (SGD{}).Apply(grads[:1], vars); err == nil {
		t.Error("Expected an error for a missing gradient")
	}
}

func TestAdam_FirstStep(t *testing.T) {
	vars := quadraticVars()
	opt := NewAdam(0.1)
	grads := []*tensor.Tensor{tensor.FromSlice([]float64{4, -0.01}, 2), tensor.FromSlice([]float64{0}, 1)}
	if err := opt.Apply(grads, vars); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// The first bias-corrected step moves every parameter by about lr·sign(g).
	w := vars[0].Value.Data()
	if math.Abs(w[0]-0.9) > 1e-4 || math.Abs(w[1]-(-1.9)) > 1e-3 {
		t.Errorf("Expected [0.9 -1.9], got %v", w)
	}
	if vars[1].Value.Data()[0] != 3 {
		t.Errorf("Expected a zero gradient to leave b at 3, got %f", vars[1].Value.Data()[0])
	}

	if err := opt.Apply(grads[:1], vars[:1]); err == nil {
		t.Error("Expected an error when the variable list changes")
	}
}

func TestAccumulator_SumsAndResets(t *testing.T) {
	vars := quadraticVars()
	acc := NewAccumulator(vars)
	g := []*tensor.Tensor{tensor.FromSlice([]float64{1, 2}, 2), tensor.FromSlice([]float64{3}, 1)}
	for i := 0; i < 3; i++ {
		if err := acc.Accumulate(g); err != nil {
			t.Fatalf("Accumulate failed: %v", err)
		}
	}
	if acc.Count() != 3 {
		t.Errorf("Expected count 3, got %d", acc.Count())
	}
	sum := acc.Gradients()
	if !tensor.AllClose(sum[0], tensor.FromSlice([]float64{3, 6}, 2), 1e-12) || sum[1].Data()[0] != 9 {
		t.Errorf("Expected summed gradients, got %v and %v", sum[0].Data(), sum[1].Data())
	}

	if err := acc.ApplyAndReset(SGD{LearningRate: 1}, vars); err != nil {
		t.Fatalf("ApplyAndReset failed: %v", err)
	}
	if !tensor.AllClose(vars[0].Value, tensor.FromSlice([]float64{-2, -8}, 2), 1e-12) {
		t.Errorf("Expected [-2 -8], got %v", vars[0].Value.Data())
	}
	if acc.Count() != 0 {
		t.Errorf("Expected count 0 after reset, got %d", acc.Count())
	}
	for _, z := range acc.Gradients() {
		for _, v := range z.Data() {
			if v != 0 {
				t.Fatalf("Expected a zeroed buffer, got %v", z.Data())
			}
		}
	}
}

func TestAccumulator_RejectsMismatch(t *testing.T) {
	acc := NewAccumulator(quadraticVars())
	if err := acc.Accumulate([]*tensor.Tensor{tensor.New(2)}); err == nil {
		t.Error("Expected an error for a short gradient list")
	}
	if err := acc.Accumulate([]*tensor.Tensor{tensor.New(3), tensor.New(1)}); err == nil {
		t.Error("Expected an error for a mismatched shape")
	}
	if acc.Count() != 0 {
		t.Errorf("Expected rejected gradients not to count, got %d", acc.Count())
	}
}

type failingOptimizer struct{}

func (failingOptimizer) Apply([]*tensor.Tensor, []nn.Variable) error { return errors.New("apply failed") }

func TestAccumulator_KeepsBufferOnError(t *testing.T) {
	vars := quadraticVars()
	acc := NewAccumulator(vars)
	if err := acc.Accumulate([]*tensor.Tensor{tensor.Full(1, 2), tensor.Full(1, 1)}); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if err := acc.ApplyAndReset(failingOptimizer{}, vars); err == nil {
		t.Fatal("Expected the optimizer error")
	}
	if acc.Count() != 1 || acc.Gradients()[0].Data()[0] != 1 {
		t.Error("Expected the buffer to survive a failed apply")
	}
}
