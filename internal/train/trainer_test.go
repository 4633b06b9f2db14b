package train

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transducer/internal/conformer"
	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/resilience"
	"github.com/lexiqai/asr-transducer/internal/schedule"
	"github.com/lexiqai/asr-transducer/internal/streaming"
	"github.com/lexiqai/asr-transducer/internal/tensor"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

func tinyModel(t *testing.T) *transducer.Model {
	t.Helper()
	enc, err := streaming.NewEncoder(streaming.Config{
		FeatureBins:     3,
		FeatureChannels: 1,
		Reductions:      map[int]int{0: 2},
		DModel:          2,
		NumLayers:       1,
		RNNType:         nn.GRU,
		RNNUnits:        2,
		Seed:            5,
	})
	if err != nil {
		t.Fatalf("streaming.NewEncoder failed: %v", err)
	}
	pc := transducer.DefaultPredictionConfig(3, 2)
	pc.EmbedDim = 2
	pc.RNNUnits = 2
	pc.RNNType = nn.GRU
	pc.LayerNorm = false
	pc.JointDim = 2
	pc.Seed = 6
	pj, err := transducer.NewRNNPredictionJoint(pc)
	if err != nil {
		t.Fatalf("NewRNNPredictionJoint failed: %v", err)
	}
	return transducer.NewModel(transducer.StreamingEncoder{Encoder: enc}, pj)
}

func example(seed uint64, label int) Batch {
	src := nn.NewSource(seed)
	features := tensor.Map(tensor.New(1, 4, 3, 1), func(float64) float64 { return src.NormFloat64() })
	return Batch{
		Features:         features,
		InputLength:      []int{4},
		Labels:           [][]int{{label}},
		LabelLength:      []int{1},
		Prediction:       [][]int{{0, label}},
		PredictionLength: []int{2},
	}
}

func concat(a, b Batch) Batch {
	return Batch{
		Features:         tensor.Concat(0, a.Features, b.Features),
		InputLength:      append(append([]int{}, a.InputLength...), b.InputLength...),
		Labels:           append(append([][]int{}, a.Labels...), b.Labels...),
		LabelLength:      append(append([]int{}, a.LabelLength...), b.LabelLength...),
		Prediction:       append(append([][]int{}, a.Prediction...), b.Prediction...),
		PredictionLength: append(append([]int{}, a.PredictionLength...), b.PredictionLength...),
	}
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestTrainStep_UpdatesParameters(t *testing.T) {
	m := tinyModel(t)
	before := make([]*tensor.Tensor, 0)
	for _, v := range m.TrainableVariables() {
		before = append(before, v.Value.Clone())
	}
	tr, err := NewTrainer(m, SGD{LearningRate: 0.05}, Config{StepsPerEpoch: 10})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	res, err := tr.TrainStep(context.Background(), example(1, 1))
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if !res.Applied {
		t.Error("Expected the update to be applied")
	}
	if res.Loss <= 0 || math.IsNaN(res.Loss) {
		t.Errorf("Expected a positive loss, got %f", res.Loss)
	}
	if res.AuxLoss != 0 || res.Lambda != 1 {
		t.Errorf("Expected aux 0 and lambda 1 in epoch 1, got %f and %f", res.AuxLoss, res.Lambda)
	}
	if tr.Steps() != 1 {
		t.Errorf("Expected 1 step, got %d", tr.Steps())
	}

	changed := false
	for i, v := range m.TrainableVariables() {
		if !tensor.AllClose(v.Value, before[i], 0) {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("Expected parameters to change after a step")
	}

	after, err := tr.EvalStep(context.Background(), example(1, 1))
	if err != nil {
		t.Fatalf("EvalStep failed: %v", err)
	}
	if after.Loss >= res.Loss {
		t.Errorf("Expected the loss to drop after a descent step, got %f then %f", res.Loss, after.Loss)
	}
}

// Two accumulated microbatches of one example must land on the same
// parameters as one step over both examples, given the same global size.
func TestTrainStep_AccumulationMatchesFullBatch(t *testing.T) {
	a, b := example(1, 1), example(2, 2)

	plain := tinyModel(t)
	pt, err := NewTrainer(plain, SGD{LearningRate: 0.1}, Config{GlobalBatchSize: 2, StepsPerEpoch: 1})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if _, err := pt.TrainStep(context.Background(), concat(a, b)); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}

	accum := tinyModel(t)
	at, err := NewTrainer(accum, SGD{LearningRate: 0.1}, Config{GlobalBatchSize: 2, AccumulationSteps: 2, StepsPerEpoch: 1})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	first, err := at.TrainStep(context.Background(), a)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if first.Applied || at.Steps() != 0 {
		t.Errorf("Expected no update after the first microbatch, applied=%v steps=%d", first.Applied, at.Steps())
	}
	if at.Accumulator().Count() != 1 {
		t.Errorf("Expected 1 accumulated microbatch, got %d", at.Accumulator().Count())
	}
	second, err := at.TrainStep(context.Background(), b)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if !second.Applied || at.Steps() != 1 {
		t.Errorf("Expected an update after the second microbatch, applied=%v steps=%d", second.Applied, at.Steps())
	}
	if at.Accumulator().Count() != 0 {
		t.Errorf("Expected the accumulator to be reset, got count %d", at.Accumulator().Count())
	}

	pv, av := plain.TrainableVariables(), accum.TrainableVariables()
	for i := range pv {
		if !tensor.AllClose(pv[i].Value, av[i].Value, 1e-8) {
			t.Errorf("Variable %s differs between accumulated and full-batch training", pv[i].Name)
		}
	}
}

func TestTrainStep_NonFiniteLoss(t *testing.T) {
	m := tinyModel(t)
	before := m.TrainableVariables()[0].Value.Clone()
	nan := func(*tensor.Tensor, [][]int, []int, []int, int) ([]float64, error) {
		return []float64{math.NaN()}, nil
	}
	tr, err := NewTrainer(m, SGD{LearningRate: 1}, Config{}, WithLossFunc(nan))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if _, err := tr.TrainStep(context.Background(), example(1, 1)); !errors.Is(err, ErrNonFiniteLoss) {
		t.Errorf("Expected ErrNonFiniteLoss, got %v", err)
	}
	if !tensor.AllClose(m.TrainableVariables()[0].Value, before, 0) {
		t.Error("Expected parameters to stay untouched")
	}
	if tr.Steps() != 0 {
		t.Errorf("Expected 0 steps, got %d", tr.Steps())
	}
}

func TestTrainStep_GlobalBatchScaling(t *testing.T) {
	m := tinyModel(t)
	tr, err := NewTrainer(m, SGD{}, Config{GlobalBatchSize: 4})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	res, err := tr.TrainStep(context.Background(), example(3, 2))
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if math.Abs(res.Loss-res.PerExample[0]/4) > 1e-12 {
		t.Errorf("Expected loss %f, got %f", res.PerExample[0]/4, res.Loss)
	}
}

func TestTrainStep_RejectsInvalidBatch(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	b := example(1, 1)
	b.Labels = nil
	if _, err := tr.TrainStep(context.Background(), b); err == nil {
		t.Error("Expected an error for a batch without labels")
	}
	if _, err := tr.TrainStep(context.Background(), Batch{}); err == nil {
		t.Error("Expected an error for an empty batch")
	}
}

func TestNewTrainer_Validation(t *testing.T) {
	if _, err := NewTrainer(nil, SGD{}, Config{}); err == nil {
		t.Error("Expected an error without a model")
	}
	if _, err := NewTrainer(tinyModel(t), SGD{}, Config{AccumulationSteps: -1}); err == nil {
		t.Error("Expected an error for negative accumulation steps")
	}
}

type flakyIterator struct {
	*SliceIterator
	failures int
}

func (f *flakyIterator) Next(ctx context.Context) (Batch, error) {
	if f.failures > 0 {
		f.failures--
		return Batch{}, resilience.NewRetryableError(errors.New("shard unavailable"))
	}
	return f.SliceIterator.Next(ctx)
}

func TestFit_RunsEpochs(t *testing.T) {
	m := tinyModel(t)
	tr, err := NewTrainer(m, SGD{LearningRate: 0.1}, Config{}, WithRetryConfig(fastRetry()))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	train := &flakyIterator{SliceIterator: NewSliceIterator(example(1, 1), example(2, 2)), failures: 1}
	eval := NewSliceIterator(example(3, 1))

	if err := tr.Fit(context.Background(), train, eval, 3); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if tr.Steps() != 6 {
		t.Errorf("Expected 6 steps, got %d", tr.Steps())
	}
	if tr.Epoch() != 4 {
		t.Errorf("Expected epoch 4 after three full epochs, got %d", tr.Epoch())
	}
}

func TestFit_NonRetryableError(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{}, Config{}, WithRetryConfig(fastRetry()))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	broken := errors.New("corrupt record")
	it := &errIterator{err: broken}
	if err := tr.Fit(context.Background(), it, nil, 1); !errors.Is(err, broken) {
		t.Errorf("Expected %v, got %v", broken, err)
	}
	if it.calls != 1 {
		t.Errorf("Expected a single attempt, got %d", it.calls)
	}
}

type errIterator struct {
	err   error
	calls int
}

func (e *errIterator) Next(context.Context) (Batch, error) {
	e.calls++
	return Batch{}, e.err
}

func (e *errIterator) Reset() error { return nil }

func TestFit_ContextCancelled(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Fit(ctx, NewSliceIterator(example(1, 1)), nil, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if tr.Steps() != 0 {
		t.Errorf("Expected no steps, got %d", tr.Steps())
	}
}

func TestEvaluate_Empty(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	loss, err := tr.Evaluate(context.Background(), NewSliceIterator())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if loss != 0 {
		t.Errorf("Expected 0 for an empty iterator, got %f", loss)
	}
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator(example(1, 1), example(2, 1))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := it.Next(ctx); err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
	}
	if _, err := it.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if err := it.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := it.Next(ctx); err != nil {
		t.Errorf("Expected a batch after Reset, got %v", err)
	}
}

func TestTrainer_WithStartStep(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{LearningRate: 0.01}, Config{StepsPerEpoch: 2}, WithStartStep(5))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if tr.Steps() != 5 || tr.Epoch() != 3 {
		t.Errorf("Expected step 5 in epoch 3, got step %d in epoch %d", tr.Steps(), tr.Epoch())
	}
}

// conformerModel has every source of nondeterminism switched on: input
// noise, dropout and batch norm.
func conformerModel(t *testing.T) *transducer.Model {
	t.Helper()
	enc, err := conformer.NewEncoder(conformer.Config{
		FeatureBins:     3,
		FeatureChannels: 1,
		Subsampling: conformer.SubsamplingConfig{
			Kind:       conformer.Conv2DSubsampling,
			Filters:    2,
			KernelSize: 3,
			Strides:    2,
		},
		PositionalEncoding: conformer.SinusoidEncoding,
		DModel:             4,
		NumBlocks:          1,
		Attention:          conformer.RelativeAttention,
		NumHeads:           1,
		KernelSize:         3,
		DepthMultiplier:    1,
		FCFactor:           0.5,
		Dropout:            0.1,
		NoiseStdDev:        1e-4,
		NoiseTrainingOnly:  true,
		Seed:               7,
	})
	if err != nil {
		t.Fatalf("conformer.NewEncoder failed: %v", err)
	}
	pc := transducer.DefaultPredictionConfig(3, 4)
	pc.EmbedDim = 2
	pc.RNNUnits = 2
	pc.RNNType = nn.GRU
	pc.LayerNorm = false
	pc.JointDim = 2
	pc.EmbedDropout = 0.1
	pc.Seed = 8
	pj, err := transducer.NewRNNPredictionJoint(pc)
	if err != nil {
		t.Fatalf("NewRNNPredictionJoint failed: %v", err)
	}
	return transducer.NewModel(transducer.ConformerEncoder{Encoder: enc}, pj)
}

func TestTrainStep_ObjectiveIsRepeatable(t *testing.T) {
	m := conformerModel(t)
	tr, err := NewTrainer(m, SGD{}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	b := concat(example(1, 1), example(2, 2))

	replay := m.Snapshot()
	first, err := tr.evaluate(b, 1, true)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	replay()
	second, err := tr.evaluate(b, 1, true)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if first.Loss != second.Loss || first.AuxLoss != second.AuxLoss {
		t.Errorf("Expected identical objectives, got %v/%v and %v/%v", first.Loss, first.AuxLoss, second.Loss, second.AuxLoss)
	}
}

func TestTrainStep_LeavesModelAsOneForwardPass(t *testing.T) {
	stepped, reference := conformerModel(t), conformerModel(t)
	tr, err := NewTrainer(stepped, SGD{LearningRate: 0}, Config{})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	b := concat(example(1, 1), example(2, 2))

	if _, err := tr.TrainStep(context.Background(), b); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if _, _, err := reference.Forward(b.input(), 1, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Eval passes read the batch-norm statistics; training passes read the
	// random sources. Both must match a model that ran a single forward pass.
	for _, training := range []bool{false, true} {
		got, _, err := stepped.Forward(b.input(), 1, training)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		want, _, err := reference.Forward(b.input(), 1, training)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !tensor.AllClose(got, want, 0) {
			t.Errorf("training=%v: expected the stepped model to match one forward pass", training)
		}
	}
}

// repeatCheck evaluates the objective twice at unchanged parameters and
// returns zero gradients.
type repeatCheck struct {
	first, second float64
}

func (r *repeatCheck) Gradients(objective Objective, vars []nn.Variable) ([]*tensor.Tensor, error) {
	var err error
	if r.first, err = objective(); err != nil {
		return nil, err
	}
	if r.second, err = objective(); err != nil {
		return nil, err
	}
	grads := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		grads[i] = tensor.New(v.Value.Shape()...)
	}
	return grads, nil
}

func TestTrainStep_DeterministicObjective(t *testing.T) {
	check := &repeatCheck{}
	tr, err := NewTrainer(conformerModel(t), SGD{LearningRate: 0.1}, Config{}, WithDifferentiator(check))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	res, err := tr.TrainStep(context.Background(), concat(example(1, 1), example(2, 2)))
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if check.first != check.second {
		t.Errorf("Expected the objective to repeat, got %v and %v", check.first, check.second)
	}
	if check.first != res.Loss {
		t.Errorf("Expected the objective to match the step loss %v, got %v", res.Loss, check.first)
	}
}

// auxEncoder reports a fixed auxiliary loss on top of a streaming encoder.
type auxEncoder struct {
	transducer.StreamingEncoder
	aux float64
}

func (a auxEncoder) Encode(x *tensor.Tensor, ep int, training bool) (*tensor.Tensor, float64, error) {
	out, _, err := a.StreamingEncoder.Encode(x, ep, training)
	return out, a.aux, err
}

func TestTrainStep_AuxLossBlending(t *testing.T) {
	const aux = 2.0
	b := concat(example(1, 1), example(2, 2))

	for _, ep := range []int{1, 7, 9} {
		base := tinyModel(t)
		enc := auxEncoder{StreamingEncoder: base.Encoder().(transducer.StreamingEncoder), aux: aux}
		pc := transducer.DefaultPredictionConfig(3, 2)
		pc.EmbedDim = 2
		pc.RNNUnits = 2
		pc.RNNType = nn.GRU
		pc.LayerNorm = false
		pc.JointDim = 2
		pc.Seed = 6
		pj, err := transducer.NewRNNPredictionJoint(pc)
		if err != nil {
			t.Fatalf("NewRNNPredictionJoint failed: %v", err)
		}
		m := transducer.NewModel(enc, pj)

		tr, err := NewTrainer(m, SGD{}, Config{GlobalBatchSize: 4, StepsPerEpoch: 1}, WithStartStep(ep-1))
		if err != nil {
			t.Fatalf("NewTrainer failed: %v", err)
		}
		primary, err := tr.EvalStep(context.Background(), b)
		if err != nil {
			t.Fatalf("EvalStep failed: %v", err)
		}
		res, err := tr.TrainStep(context.Background(), b)
		if err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}

		lambda := schedule.Anneal(ep)
		if res.Epoch != ep || res.Lambda != lambda || res.AuxLoss != aux {
			t.Errorf("ep %d: expected epoch %d, lambda %f, aux %f, got %d, %f, %f", ep, ep, lambda, aux, res.Epoch, res.Lambda, res.AuxLoss)
		}
		sum := 0.0
		for i, l := range res.PerExample {
			want := primary.PerExample[i] + lambda*aux
			if math.Abs(l-want) > 1e-12 {
				t.Errorf("ep %d example %d: expected %f, got %f", ep, i, want, l)
			}
			sum += l
		}
		if math.Abs(res.Loss-sum/4) > 1e-12 {
			t.Errorf("ep %d: expected loss %f, got %f", ep, sum/4, res.Loss)
		}
	}
}

// lengthless hides SliceIterator's Len.
type lengthless struct {
	it *SliceIterator
}

func (l lengthless) Next(ctx context.Context) (Batch, error) { return l.it.Next(ctx) }
func (l lengthless) Reset() error { return l.it.Reset() }

func TestFit_StepsPerEpoch(t *testing.T) {
	tr, err := NewTrainer(tinyModel(t), SGD{LearningRate: 0.01}, Config{AccumulationSteps: 2})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	it := NewSliceIterator(example(1, 1), example(2, 2), example(3, 1))
	if err := tr.Fit(context.Background(), it, nil, 1); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if tr.cfg.StepsPerEpoch != 2 {
		t.Errorf("Expected 2 steps per epoch for 3 batches in windows of 2, got %d", tr.cfg.StepsPerEpoch)
	}

	var buf bytes.Buffer
	tr, err = NewTrainer(tinyModel(t), SGD{LearningRate: 0.01}, Config{}, WithLogger(zerolog.New(&buf)))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := tr.Fit(context.Background(), lengthless{NewSliceIterator(example(1, 1))}, nil, 2); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if tr.Epoch() != 1 {
		t.Errorf("Expected the epoch to stay at 1, got %d", tr.Epoch())
	}
	if !strings.Contains(buf.String(), "steps_per_epoch is unset") {
		t.Errorf("Expected a warning about steps_per_epoch, got %s", buf.String())
	}
}
