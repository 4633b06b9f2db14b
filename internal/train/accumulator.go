package train

import (
	"fmt"
	"sync"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Accumulator sums microbatch gradients into a buffer shaped like the
// variable list. Gradients are summed, never averaged: the loss is already
// divided by the global batch size.
type Accumulator struct {
	mu     sync.Mutex
	buffer []*tensor.Tensor
	count  int
}

// NewAccumulator returns a zeroed buffer for vars.
func NewAccumulator(vars []nn.Variable) *Accumulator {
	buf := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		buf[i] = tensor.New(v.Value.Shape()...)
	}
	return &Accumulator{buffer: buf}
}

// Accumulate adds grads to the buffer.
func (a *Accumulator) Accumulate(grads []*tensor.Tensor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(grads) != len(a.buffer) {
		return fmt.Errorf("%d gradients for %d accumulators", len(grads), len(a.buffer))
	}
	for i, g := range grads {
		if !tensor.SameShape(g, a.buffer[i]) {
			return fmt.Errorf("gradient %d has shape %v, want %v", i, g.Shape(), a.buffer[i].Shape())
		}
	}
	for i, g := range grads {
		dst := a.buffer[i].Data()
		for j, v := range g.Data() {
			dst[j] += v
		}
	}
	a.count++
	return nil
}

// Count is the number of microbatches accumulated since the last reset.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Gradients returns a copy of the accumulated gradients.
func (a *Accumulator) Gradients() []*tensor.Tensor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*tensor.Tensor, len(a.buffer))
	for i, g := range a.buffer {
		out[i] = g.Clone()
	}
	return out
}

// Reset zeroes the buffer.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.reset()
	a.mu.Unlock()
}

func (a *Accumulator) reset() {
	for _, g := range a.buffer {
		clear(g.Data())
	}
	a.count = 0
}

// ApplyAndReset hands the accumulated gradients to opt and zeroes the buffer
// without letting another Accumulate in between. On error the buffer is kept.
func (a *Accumulator) ApplyAndReset(opt Optimizer, vars []nn.Variable) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := opt.Apply(a.buffer, vars); err != nil {
		return err
	}
	a.reset()
	return nil
}
