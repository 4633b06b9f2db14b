package train

import (
	"bytes"
	"context"
	"testing"
)

func frames(t, bins int, v float64) [][]float64 {
	out := make([][]float64, t)
	for i := range out {
		out[i] = make([]float64, bins)
		for j := range out[i] {
			out[i][j] = v + float64(i)
		}
	}
	return out
}

func TestExamples_RoundTrip(t *testing.T) {
	in := []Example{
		{ID: "a", Features: frames(4, 3, 0.5), Labels: []int{1, 2}},
		{ID: "b", Features: frames(2, 3, -1), Labels: []int{2}},
	}
	var buf bytes.Buffer
	if err := WriteExamples(&buf, in); err != nil {
		t.Fatalf("WriteExamples failed: %v", err)
	}
	out, err := ReadExamples(&buf)
	if err != nil {
		t.Fatalf("ReadExamples failed: %v", err)
	}
	if len(out) != 2 || out[1].ID != "b" || out[0].Features[3][2] != 3.5 || out[0].Labels[1] != 2 {
		t.Errorf("Unexpected examples after round trip: %+v", out)
	}
}

func TestReadExamples_Corrupt(t *testing.T) {
	if _, err := ReadExamples(bytes.NewReader([]byte{0xc1})); err == nil {
		t.Error("Expected an error for a corrupt stream")
	}
}

func TestMakeBatches_Padding(t *testing.T) {
	examples := []Example{
		{ID: "a", Features: frames(4, 3, 1), Labels: []int{1, 2}},
		{ID: "b", Features: frames(2, 3, 1), Labels: []int{2}},
		{ID: "c", Features: frames(3, 3, 1), Labels: []int{1}},
	}
	batches, err := MakeBatches(examples, 2, 0)
	if err != nil {
		t.Fatalf("MakeBatches failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}

	b := batches[0]
	if err := b.Validate(); err != nil {
		t.Fatalf("Expected a valid batch, got %v", err)
	}
	want := []int{2, 4, 3, 1}
	for i, d := range want {
		if b.Features.Dim(i) != d {
			t.Fatalf("Expected features %v, got %v", want, b.Features.Shape())
		}
	}
	if b.Features.At(1, 1, 0, 0) != 2 || b.Features.At(1, 2, 0, 0) != 0 {
		t.Error("Expected the short example to be zero padded after its last frame")
	}
	if b.InputLength[1] != 2 || b.LabelLength[1] != 1 || b.PredictionLength[1] != 2 {
		t.Errorf("Unexpected lengths %v %v %v", b.InputLength, b.LabelLength, b.PredictionLength)
	}
	if got := b.Labels[1]; len(got) != 2 || got[0] != 2 || got[1] != 0 {
		t.Errorf("Expected labels [2 0], got %v", got)
	}
	if got := b.Prediction[0]; len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("Expected prediction [0 1 2], got %v", got)
	}
	if batches[1].Size() != 1 {
		t.Errorf("Expected a last batch of 1, got %d", batches[1].Size())
	}
}

func TestMakeBatches_Invalid(t *testing.T) {
	if _, err := MakeBatches(nil, 0, 0); err == nil {
		t.Error("Expected an error for a zero batch size")
	}
	ragged := []Example{{ID: "r", Features: [][]float64{{1, 2}, {3}}, Labels: []int{1}}}
	if _, err := MakeBatches(ragged, 1, 0); err == nil {
		t.Error("Expected an error for ragged frames")
	}
	empty := []Example{{ID: "e", Labels: []int{1}}}
	if _, err := MakeBatches(empty, 1, 0); err == nil {
		t.Error("Expected an error for an example without frames")
	}
}

func TestMakeBatches_Trainable(t *testing.T) {
	examples := []Example{
		{ID: "a", Features: frames(4, 3, 0.1), Labels: []int{1}},
		{ID: "b", Features: frames(3, 3, -0.2), Labels: []int{2, 1}},
	}
	batches, err := MakeBatches(examples, 2, 0)
	if err != nil {
		t.Fatalf("MakeBatches failed: %v", err)
	}
	tr, err := NewTrainer(tinyModel(t), SGD{LearningRate: 0.01}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	res, err := tr.TrainStep(context.Background(), batches[0])
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if len(res.PerExample) != 2 {
		t.Errorf("Expected 2 per-example losses, got %d", len(res.PerExample))
	}
}

func TestRunningMean(t *testing.T) {
	var m RunningMean
	if m.Value() != 0 {
		t.Error("Expected 0 before any value")
	}
	m.Add(1)
	m.Add(4)
	if m.Value() != 2.5 || m.Count() != 2 {
		t.Errorf("Expected mean 2.5 over 2, got %f over %d", m.Value(), m.Count())
	}
	m.Reset()
	if m.Count() != 0 {
		t.Error("Expected Reset to clear the count")
	}
}
