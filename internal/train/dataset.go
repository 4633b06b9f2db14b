package train

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// Example is one utterance as stored in a dataset file: single-channel
// features [T][bins] and label ids without the blank.
type Example struct {
	ID       string      `msgpack:"id"`
	Features [][]float64 `msgpack:"features"`
	Labels   []int       `msgpack:"labels"`
}

// WriteExamples appends examples to w as a stream of msgpack values.
func WriteExamples(w io.Writer, examples []Example) error {
	enc := msgpack.NewEncoder(w)
	for i := range examples {
		if err := enc.Encode(&examples[i]); err != nil {
			return fmt.Errorf("encode example %d: %w", i, err)
		}
	}
	return nil
}

// ReadExamples decodes msgpack values until r is exhausted.
func ReadExamples(r io.Reader) ([]Example, error) {
	dec := msgpack.NewDecoder(r)
	var out []Example
	for {
		var ex Example
		err := dec.Decode(&ex)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode example %d: %w", len(out), err)
		}
		out = append(out, ex)
	}
}

// MakeBatches groups examples in order into padded batches of up to
// batchSize. Features are zero padded in time, labels are padded with blank
// and the prediction rows are the blank-prefixed labels.
func MakeBatches(examples []Example, batchSize, blank int) ([]Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var batches []Batch
	for start := 0; start < len(examples); start += batchSize {
		b, err := padBatch(examples[start:min(start+batchSize, len(examples))], blank)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func padBatch(examples []Example, blank int) (Batch, error) {
	maxT, maxU, bins := 0, 0, -1
	for _, ex := range examples {
		if len(ex.Features) == 0 {
			return Batch{}, fmt.Errorf("example %q has no frames", ex.ID)
		}
		for _, frame := range ex.Features {
			if bins == -1 {
				bins = len(frame)
			}
			if len(frame) != bins || bins == 0 {
				return Batch{}, fmt.Errorf("example %q has a frame of %d bins, want %d", ex.ID, len(frame), bins)
			}
		}
		maxT = max(maxT, len(ex.Features))
		maxU = max(maxU, len(ex.Labels))
	}

	n := len(examples)
	b := Batch{
		Features:         tensor.New(n, maxT, bins, 1),
		InputLength:      make([]int, n),
		Labels:           make([][]int, n),
		LabelLength:      make([]int, n),
		Prediction:       make([][]int, n),
		PredictionLength: make([]int, n),
	}
	data := b.Features.Data()
	for i, ex := range examples {
		for t, frame := range ex.Features {
			copy(data[(i*maxT+t)*bins:], frame)
		}
		b.InputLength[i] = len(ex.Features)

		labels := make([]int, maxU)
		pred := make([]int, maxU+1)
		for u := range labels {
			labels[u] = blank
			pred[u] = blank
		}
		pred[maxU] = blank
		copy(labels, ex.Labels)
		copy(pred[1:], ex.Labels)
		b.Labels[i] = labels
		b.LabelLength[i] = len(ex.Labels)
		b.Prediction[i] = pred
		b.PredictionLength[i] = len(ex.Labels) + 1
	}
	return b, nil
}
