// Package train fits a transducer with the annealed auxiliary loss, either
// applying gradients every step or accumulating them over microbatches.
package train

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/lexiqai/asr-transducer/internal/tensor"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

// Batch is one padded training or evaluation batch.
type Batch struct {
	Features         *tensor.Tensor // [B, T, F, C]
	InputLength      []int
	Labels           [][]int
	LabelLength      []int
	Prediction       [][]int // blank-prefixed labels, [B][U+1]
	PredictionLength []int
}

// Size is the number of examples in the batch.
func (b Batch) Size() int {
	if b.Features == nil || b.Features.Rank() == 0 {
		return 0
	}
	return b.Features.Dim(0)
}

func (b Batch) input() transducer.Input {
	return transducer.Input{
		Features:         b.Features,
		InputLength:      b.InputLength,
		Prediction:       b.Prediction,
		PredictionLength: b.PredictionLength,
	}
}

// Validate checks that every per-example slice matches the batch size.
func (b Batch) Validate() error {
	n := b.Size()
	if n == 0 {
		return fmt.Errorf("empty batch")
	}
	lens := map[string]int{
		"input_length":      len(b.InputLength),
		"labels":            len(b.Labels),
		"label_length":      len(b.LabelLength),
		"prediction":        len(b.Prediction),
		"prediction_length": len(b.PredictionLength),
	}
	for name, l := range lens {
		if l != n {
			return fmt.Errorf("batch of %d has %d %s entries", n, l, name)
		}
	}
	return nil
}

// Iterator yields batches until it returns io.EOF at the end of an epoch.
// Errors wrapped with resilience.NewRetryableError are retried by Fit.
type Iterator interface {
	Next(ctx context.Context) (Batch, error)
	// Reset rewinds the iterator for the next epoch.
	Reset() error
}

// SliceIterator serves batches from memory.
type SliceIterator struct {
	mu      sync.Mutex
	batches []Batch
	pos     int
}

// NewSliceIterator returns an iterator over batches.
func NewSliceIterator(batches ...Batch) *SliceIterator {
	return &SliceIterator{batches: batches}
}

func (it *SliceIterator) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.pos >= len(it.batches) {
		return Batch{}, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *SliceIterator) Reset() error {
	it.mu.Lock()
	it.pos = 0
	it.mu.Unlock()
	return nil
}

// Len is the number of batches per epoch.
func (it *SliceIterator) Len() int { return len(it.batches) }

// RunningMean averages losses over an epoch.
type RunningMean struct {
	sum float64
	n   int
}

// Add records one value.
func (m *RunningMean) Add(v float64) {
	m.sum += v
	m.n++
}

// Count is the number of recorded values.
func (m *RunningMean) Count() int { return m.n }

// Value is the mean so far, 0 before any value.
func (m *RunningMean) Value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Reset forgets every value.
func (m *RunningMean) Reset() { *m = RunningMean{} }
