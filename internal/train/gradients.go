package train

import (
	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Objective evaluates the scalar training loss at the current parameter
// values.
type Objective func() (float64, error)

// Differentiator computes d objective / d variable for every variable, one
// gradient tensor per variable with the variable's shape.
type Differentiator interface {
	Gradients(objective Objective, vars []nn.Variable) ([]*tensor.Tensor, error)
}

// FiniteDifference estimates gradients with central differences by nudging
// each parameter in place and restoring it afterwards. The objective must be
// deterministic; the trainer makes it so by replaying the random draws and
// batch-norm statistics of the step (transducer.Model.Snapshot) before each
// evaluation.
type FiniteDifference struct {
	Epsilon float64
}

// NewFiniteDifference returns a differentiator with step epsilon (1e-5 when
// epsilon is not positive).
func NewFiniteDifference(epsilon float64) FiniteDifference {
	if epsilon <= 0 {
		epsilon = 1e-5
	}
	return FiniteDifference{Epsilon: epsilon}
}

func (fd FiniteDifference) Gradients(objective Objective, vars []nn.Variable) ([]*tensor.Tensor, error) {
	eps := fd.Epsilon
	if eps <= 0 {
		eps = 1e-5
	}
	grads := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		g := tensor.New(v.Value.Shape()...)
		data, gd := v.Value.Data(), g.Data()
		for j := range data {
			orig := data[j]

			data[j] = orig + eps
			plus, err := objective()
			if err != nil {
				data[j] = orig
				return nil, err
			}
			data[j] = orig - eps
			minus, err := objective()
			data[j] = orig
			if err != nil {
				return nil, err
			}
			gd[j] = (plus - minus) / (2 * eps)
		}
		grads[i] = g
	}
	return grads, nil
}
