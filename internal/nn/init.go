// Package nn holds the layer building blocks shared by the encoders: dense
// projections, normalization, convolutions, dropout and recurrent cells.
//
// Layers are forward-only. Gradients are computed by a differentiator
// supplied to the trainer, which sees parameters through Variables.
package nn

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Variable is a named trainable parameter.
type Variable struct {
	Name  string
	Value *tensor.Tensor
}

// Stateful is implemented by layers whose forward passes change state that
// is not a trainable variable: random sources and batch-norm moving
// statistics.
type Stateful interface {
	// Snapshot captures the current state and returns a function that
	// restores it.
	Snapshot() (restore func())
}

// SnapshotAll snapshots every member of states; the returned function
// restores them all.
func SnapshotAll(states []Stateful) func() {
	restores := make([]func(), len(states))
	for i, s := range states {
		restores[i] = s.Snapshot()
	}
	return func() {
		for _, restore := range restores {
			restore()
		}
	}
}

// Source is a goroutine-safe random source shared by the stochastic layers.
type Source struct {
	mu  sync.Mutex
	pcg *rand.PCG
	rng *rand.Rand
}

// NewSource returns a deterministic source for the given seed.
func NewSource(seed uint64) *Source {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Source{pcg: pcg, rng: rand.New(pcg)}
}

// Snapshot records the generator position. Restoring it replays the same
// draws, so a noised or dropped-out forward pass can be repeated exactly.
func (s *Source) Snapshot() func() {
	s.mu.Lock()
	state, err := s.pcg.MarshalBinary()
	s.mu.Unlock()
	if err != nil {
		panic(err)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.pcg.UnmarshalBinary(state); err != nil {
			panic(err)
		}
	}
}

// Float64 returns a uniform value in [0, 1).
func (s *Source) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// NormFloat64 returns a standard normal value.
func (s *Source) NormFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.NormFloat64()
}

// Initializer creates parameter tensors.
type Initializer struct {
	src *Source
}

// NewInitializer returns an initializer seeded with seed.
func NewInitializer(seed uint64) *Initializer {
	return &Initializer{src: NewSource(seed)}
}

// Source exposes the initializer's random source so stochastic layers built
// alongside the parameters share one seed.
func (i *Initializer) Source() *Source { return i.src }

// GlorotUniform draws from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func (i *Initializer) GlorotUniform(fanIn, fanOut int, shape ...int) *tensor.Tensor {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	t := tensor.New(shape...)
	data := t.Data()
	for k := range data {
		data[k] = (2*i.src.Float64() - 1) * limit
	}
	return t
}

// Zeros returns a zero tensor.
func (i *Initializer) Zeros(shape ...int) *tensor.Tensor { return tensor.New(shape...) }

// Ones returns a tensor of ones.
func (i *Initializer) Ones(shape ...int) *tensor.Tensor { return tensor.Full(1, shape...) }

// Tensors strips the names from a variable list.
func Tensors(vars []Variable) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		out[i] = v.Value
	}
	return out
}

// CountParams sums the element counts of vars.
func CountParams(vars []Variable) int {
	n := 0
	for _, v := range vars {
		n += v.Value.Size()
	}
	return n
}
