package train

import (
	"fmt"
	"math"
	"sync"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Optimizer updates variables in place from their gradients.
type Optimizer interface {
	Apply(grads []*tensor.Tensor, vars []nn.Variable) error
}

func checkGradients(grads []*tensor.Tensor, vars []nn.Variable) error {
	if len(grads) != len(vars) {
		return fmt.Errorf("%d gradients for %d variables", len(grads), len(vars))
	}
	for i := range vars {
		if !tensor.SameShape(grads[i], vars[i].Value) {
			return fmt.Errorf("gradient %v does not match variable %s %v", grads[i].Shape(), vars[i].Name, vars[i].Value.Shape())
		}
	}
	return nil
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
}

func (o SGD) Apply(grads []*tensor.Tensor, vars []nn.Variable) error {
	if err := checkGradients(grads, vars); err != nil {
		return err
	}
	for i, v := range vars {
		data := v.Value.Data()
		for j, g := range grads[i].Data() {
			data[j] -= o.LearningRate * g
		}
	}
	return nil
}

// Adam keeps first and second moment estimates per variable.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	mu   sync.Mutex
	step int
	m, v [][]float64
}

// NewAdam returns Adam with the Keras defaults.
func NewAdam(learningRate float64) *Adam {
	return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

func (o *Adam) Apply(grads []*tensor.Tensor, vars []nn.Variable) error {
	if err := checkGradients(grads, vars); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.m == nil {
		o.m = make([][]float64, len(vars))
		o.v = make([][]float64, len(vars))
		for i, v := range vars {
			o.m[i] = make([]float64, v.Value.Size())
			o.v[i] = make([]float64, v.Value.Size())
		}
	}
	if len(o.m) != len(vars) {
		return fmt.Errorf("adam was initialized for %d variables, got %d", len(o.m), len(vars))
	}

	o.step++
	lr := o.LearningRate * math.Sqrt(1-math.Pow(o.Beta2, float64(o.step))) / (1 - math.Pow(o.Beta1, float64(o.step)))
	for i, v := range vars {
		data := v.Value.Data()
		m, s := o.m[i], o.v[i]
		for j, g := range grads[i].Data() {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			s[j] = o.Beta2*s[j] + (1-o.Beta2)*g*g
			data[j] -= lr * m[j] / (math.Sqrt(s[j]) + o.Epsilon)
		}
	}
	return nil
}
