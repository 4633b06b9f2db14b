package nn

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// ErrInvalidRNN is returned for an unknown recurrent cell kind.
var ErrInvalidRNN = errors.New("rnn type must be one of 'lstm', 'gru' or 'rnn'")

// RNNKind selects a recurrent cell.
type RNNKind string

const (
	LSTM      RNNKind = "lstm"
	GRU       RNNKind = "gru"
	SimpleRNN RNNKind = "rnn"
)

// ParseRNNKind validates s as a cell kind.
func ParseRNNKind(s string) (RNNKind, error) {
	switch k := RNNKind(strings.ToLower(s)); k {
	case LSTM, GRU, SimpleRNN:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRNN, s)
}

// Cell is a single recurrent layer advanced one time step at a time.
type Cell interface {
	Units() int
	// StateSlots is 2 for LSTM (h, c) and 1 otherwise.
	StateSlots() int
	// Step consumes x [B, in] and the states (each [B, units]) and returns
	// the output [B, units] and the next states. Inputs are not modified.
	Step(x *tensor.Tensor, states []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor)
	Variables() []Variable
}

// NewCell builds a cell of the given kind.
func NewCell(kind RNNKind, name string, in, units int, init *Initializer) (Cell, error) {
	switch kind {
	case LSTM:
		return newLSTMCell(name, in, units, init), nil
	case GRU:
		return newGRUCell(name, in, units, init), nil
	case SimpleRNN:
		return newSimpleCell(name, in, units, init), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidRNN, kind)
}

// ZeroStates returns zero states for a batch.
func ZeroStates(c Cell, batch int) []*tensor.Tensor {
	states := make([]*tensor.Tensor, c.StateSlots())
	for i := range states {
		states[i] = tensor.New(batch, c.Units())
	}
	return states
}

// RunRNN steps c over x [B, T, in] starting from initial and returns the
// output sequence [B, T, units] and the final states.
func RunRNN(c Cell, x *tensor.Tensor, initial []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor) {
	if x.Rank() != 3 {
		panic(fmt.Errorf("%w: rnn expects [B,T,F], got %v", tensor.ErrShape, x.Shape()))
	}
	b, t := x.Dim(0), x.Dim(1)
	states := initial
	out := tensor.New(b, t, c.Units())
	for step := 0; step < t; step++ {
		xt := tensor.Slice(x, 1, step, step+1).Reshape(b, x.Dim(2))
		var h *tensor.Tensor
		h, states = c.Step(xt, states)
		od, hd := out.Data(), h.Data()
		u := c.Units()
		for n := 0; n < b; n++ {
			copy(od[(n*t+step)*u:(n*t+step+1)*u], hd[n*u:(n+1)*u])
		}
	}
	return out, states
}

type lstmCell struct {
	name      string
	units     int
	kernel    *tensor.Tensor // [in, 4u]
	recurrent *tensor.Tensor // [u, 4u]
	bias      *tensor.Tensor // [4u]
}

func newLSTMCell(name string, in, units int, init *Initializer) *lstmCell {
	bias := init.Zeros(4 * units)
	// unit forget bias
	for j := units; j < 2*units; j++ {
		bias.Data()[j] = 1
	}
	return &lstmCell{
		name:      name,
		units:     units,
		kernel:    init.GlorotUniform(in, 4*units, in, 4*units),
		recurrent: init.GlorotUniform(units, 4*units, units, 4*units),
		bias:      bias,
	}
}

func (c *lstmCell) Units() int      { return c.units }
func (c *lstmCell) StateSlots() int { return 2 }

func (c *lstmCell) Step(x *tensor.Tensor, states []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor) {
	h, cs := states[0], states[1]
	z := tensor.Add(tensor.Add(tensor.MatMul(x, c.kernel), tensor.MatMul(h, c.recurrent)), c.bias)
	b, u := x.Dim(0), c.units
	nh, nc := tensor.New(b, u), tensor.New(b, u)
	zd, cd, nhd, ncd := z.Data(), cs.Data(), nh.Data(), nc.Data()
	for n := 0; n < b; n++ {
		row := zd[n*4*u : (n+1)*4*u]
		for j := 0; j < u; j++ {
			i := Sigmoid(row[j])
			f := Sigmoid(row[u+j])
			g := math.Tanh(row[2*u+j])
			o := Sigmoid(row[3*u+j])
			cv := f*cd[n*u+j] + i*g
			ncd[n*u+j] = cv
			nhd[n*u+j] = o * math.Tanh(cv)
		}
	}
	return nh, []*tensor.Tensor{nh, nc}
}

func (c *lstmCell) Variables() []Variable {
	return []Variable{
		{Name: c.name + "/kernel", Value: c.kernel},
		{Name: c.name + "/recurrent_kernel", Value: c.recurrent},
		{Name: c.name + "/bias", Value: c.bias},
	}
}

// gruCell follows the reset-after formulation with separate input and
// recurrent biases.
type gruCell struct {
	name      string
	units     int
	kernel    *tensor.Tensor // [in, 3u]
	recurrent *tensor.Tensor // [u, 3u]
	inBias    *tensor.Tensor // [3u]
	recBias   *tensor.Tensor // [3u]
}

func newGRUCell(name string, in, units int, init *Initializer) *gruCell {
	return &gruCell{
		name:      name,
		units:     units,
		kernel:    init.GlorotUniform(in, 3*units, in, 3*units),
		recurrent: init.GlorotUniform(units, 3*units, units, 3*units),
		inBias:    init.Zeros(3 * units),
		recBias:   init.Zeros(3 * units),
	}
}

func (c *gruCell) Units() int      { return c.units }
func (c *gruCell) StateSlots() int { return 1 }

func (c *gruCell) Step(x *tensor.Tensor, states []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor) {
	h := states[0]
	mx := tensor.Add(tensor.MatMul(x, c.kernel), c.inBias)
	mh := tensor.Add(tensor.MatMul(h, c.recurrent), c.recBias)
	b, u := x.Dim(0), c.units
	nh := tensor.New(b, u)
	xd, hd, prev, out := mx.Data(), mh.Data(), h.Data(), nh.Data()
	for n := 0; n < b; n++ {
		xr, hr := xd[n*3*u:(n+1)*3*u], hd[n*3*u:(n+1)*3*u]
		for j := 0; j < u; j++ {
			z := Sigmoid(xr[j] + hr[j])
			r := Sigmoid(xr[u+j] + hr[u+j])
			hh := math.Tanh(xr[2*u+j] + r*hr[2*u+j])
			out[n*u+j] = z*prev[n*u+j] + (1-z)*hh
		}
	}
	return nh, []*tensor.Tensor{nh}
}

func (c *gruCell) Variables() []Variable {
	return []Variable{
		{Name: c.name + "/kernel", Value: c.kernel},
		{Name: c.name + "/recurrent_kernel", Value: c.recurrent},
		{Name: c.name + "/input_bias", Value: c.inBias},
		{Name: c.name + "/recurrent_bias", Value: c.recBias},
	}
}

type simpleCell struct {
	name      string
	units     int
	kernel    *tensor.Tensor
	recurrent *tensor.Tensor
	bias      *tensor.Tensor
}

func newSimpleCell(name string, in, units int, init *Initializer) *simpleCell {
	return &simpleCell{
		name:      name,
		units:     units,
		kernel:    init.GlorotUniform(in, units, in, units),
		recurrent: init.GlorotUniform(units, units, units, units),
		bias:      init.Zeros(units),
	}
}

func (c *simpleCell) Units() int      { return c.units }
func (c *simpleCell) StateSlots() int { return 1 }

func (c *simpleCell) Step(x *tensor.Tensor, states []*tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor) {
	z := tensor.Add(tensor.Add(tensor.MatMul(x, c.kernel), tensor.MatMul(states[0], c.recurrent)), c.bias)
	h := Tanh(z)
	return h, []*tensor.Tensor{h}
}

func (c *simpleCell) Variables() []Variable {
	return []Variable{
		{Name: c.name + "/kernel", Value: c.kernel},
		{Name: c.name + "/recurrent_kernel", Value: c.recurrent},
		{Name: c.name + "/bias", Value: c.bias},
	}
}
