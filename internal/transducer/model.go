// Package transducer couples an acoustic encoder with a prediction and joint
// network into an RNN transducer producing [B, T', U+1, V] logits.
package transducer

import (
	"errors"
	"fmt"

	"github.com/lexiqai/asr-transducer/internal/conformer"
	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/streaming"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

var (
	// ErrNotStreaming is returned by EncoderInference when the encoder keeps
	// no recurrent state.
	ErrNotStreaming = errors.New("transducer: encoder does not support streaming inference")
	// ErrInput is returned for inconsistent model inputs.
	ErrInput = errors.New("transducer: invalid input")
)

// Encoder is the acoustic half of the transducer.
type Encoder interface {
	// Encode maps features [B, T, F, C] to [B, T', D] and an auxiliary loss
	// (0 for encoders without one).
	Encode(x *tensor.Tensor, ep int, training bool) (*tensor.Tensor, float64, error)
	TimeReductionFactor() int
	Variables() []nn.Variable
}

// Recognizer is implemented by encoders with explicit recurrent state.
type Recognizer interface {
	Recognize(x, state *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)
	InitialState(batch int) *tensor.Tensor
}

// ConformerEncoder adapts conformer.Encoder.
type ConformerEncoder struct {
	*conformer.Encoder
}

func (c ConformerEncoder) Encode(x *tensor.Tensor, ep int, training bool) (*tensor.Tensor, float64, error) {
	return c.Forward(x, ep, training)
}

// StreamingEncoder adapts streaming.Encoder; it has no auxiliary loss.
type StreamingEncoder struct {
	*streaming.Encoder
}

func (s StreamingEncoder) Encode(x *tensor.Tensor, _ int, training bool) (*tensor.Tensor, float64, error) {
	out, err := s.Forward(x, training)
	return out, 0, err
}

// Input is one batch as seen by the model.
type Input struct {
	Features    *tensor.Tensor // [B, T, F, C]
	InputLength []int
	// Prediction holds the blank-prefixed label ids, padded to U+1.
	Prediction       [][]int
	PredictionLength []int
}

// Model is the encoder plus prediction/joint network.
type Model struct {
	encoder Encoder
	joint   PredictionJoint
}

// NewModel assembles a transducer.
func NewModel(encoder Encoder, joint PredictionJoint) *Model {
	return &Model{encoder: encoder, joint: joint}
}

// Encoder returns the acoustic encoder.
func (m *Model) Encoder() Encoder { return m.encoder }

// TimeReductionFactor is the encoder's factor.
func (m *Model) TimeReductionFactor() int { return m.encoder.TimeReductionFactor() }

// Forward returns the joint logits [B, T', U+1, V] and the encoder's
// auxiliary loss at epoch ep.
func (m *Model) Forward(in Input, ep int, training bool) (*tensor.Tensor, float64, error) {
	if in.Features == nil || in.Features.Rank() == 0 {
		return nil, 0, fmt.Errorf("%w: missing features", ErrInput)
	}
	if len(in.Prediction) != in.Features.Dim(0) {
		return nil, 0, fmt.Errorf("%w: %d prediction rows for batch %d", ErrInput, len(in.Prediction), in.Features.Dim(0))
	}
	encoded, aux, err := m.encoder.Encode(in.Features, ep, training)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	logits, err := m.joint.Logits(encoded, in.Prediction, training)
	if err != nil {
		return nil, 0, fmt.Errorf("joint: %w", err)
	}
	return logits, aux, nil
}

// TrainableVariables lists encoder parameters followed by the prediction and
// joint parameters.
func (m *Model) TrainableVariables() []nn.Variable {
	return append(m.encoder.Variables(), m.joint.Variables()...)
}

// EncoderInference runs one streaming step. Without batch, features are
// [T, F, C] and the output is [T', D]; with batch they keep their leading axis.
func (m *Model) EncoderInference(features, state *tensor.Tensor, withBatch bool) (*tensor.Tensor, *tensor.Tensor, error) {
	rec, ok := m.encoder.(Recognizer)
	if !ok {
		return nil, nil, ErrNotStreaming
	}
	if withBatch {
		return rec.Recognize(features, state)
	}
	batched := features.Reshape(append([]int{1}, features.Shape()...)...)
	out, next, err := rec.Recognize(batched, state)
	if err != nil {
		return nil, nil, err
	}
	return tensor.Index(out, 0), next, nil
}

// Snapshot captures the state that training-mode forward passes mutate
// outside the trainable variables (random sources, batch-norm statistics)
// and returns a function restoring it. Parts without such state are skipped.
func (m *Model) Snapshot() func() {
	var states []nn.Stateful
	for _, part := range []any{m.encoder, m.joint} {
		if s, ok := part.(interface{ State() []nn.Stateful }); ok {
			states = append(states, s.State()...)
		}
	}
	return nn.SnapshotAll(states)
}

// ReducedLength converts input lengths into encoded lengths, rounding up.
func ReducedLength(lengths []int, factor int) []int {
	out := make([]int, len(lengths))
	for i, l := range lengths {
		out[i] = (l + factor - 1) / factor
	}
	return out
}
