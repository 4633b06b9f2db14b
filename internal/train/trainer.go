package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/resilience"
	"github.com/lexiqai/asr-transducer/internal/rnnt"
	"github.com/lexiqai/asr-transducer/internal/schedule"
	"github.com/lexiqai/asr-transducer/internal/tensor"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

// ErrNonFiniteLoss is returned when a step produces a NaN or infinite loss.
// No gradient is computed or applied for such a step.
var ErrNonFiniteLoss = errors.New("train: non-finite loss")

// LossFunc is the per-example transducer loss.
type LossFunc func(logits *tensor.Tensor, labels [][]int, labelLength, logitLength []int, blank int) ([]float64, error)

// Config controls loss scaling and the update schedule.
type Config struct {
	// GlobalBatchSize divides the summed per-example loss. With accumulation
	// it counts every example in the window; 0 uses the local batch size.
	GlobalBatchSize int `yaml:"global_batch_size"`
	// AccumulationSteps above 1 applies one update per that many microbatches.
	AccumulationSteps int `yaml:"accumulation_steps"`
	// StepsPerEpoch converts the optimizer step count into the epoch index.
	StepsPerEpoch int `yaml:"steps_per_epoch"`
	Blank         int `yaml:"blank"`
	// LogEvery logs one training step in that many at info level.
	LogEvery int `yaml:"log_every"`
}

// StepResult reports one training or evaluation step.
type StepResult struct {
	Epoch int
	// Loss is the scaled objective: Σ(primary + λ·aux) / GlobalBatchSize.
	Loss        float64
	PerExample  []float64
	AuxLoss     float64
	Lambda      float64
	Applied     bool
	BatchSize   int
	MeanPrimary float64
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithLossFunc replaces rnnt.Loss.
func WithLossFunc(fn LossFunc) Option { return func(t *Trainer) { t.loss = fn } }

// WithDifferentiator replaces the finite-difference gradients.
func WithDifferentiator(d Differentiator) Option { return func(t *Trainer) { t.diff = d } }

// WithLogger sets the trainer's logger.
func WithLogger(logger zerolog.Logger) Option { return func(t *Trainer) { t.logger = logger } }

// WithStartStep resumes the step counter, and so the epoch, from a checkpoint.
func WithStartStep(steps int) Option { return func(t *Trainer) { t.steps = max(steps, 0) } }

// WithRetryConfig sets how transient iterator errors are retried.
func WithRetryConfig(cfg *resilience.RetryConfig) Option { return func(t *Trainer) { t.retry = cfg } }

// Trainer runs train and eval steps over a transducer model.
type Trainer struct {
	cfg    Config
	model  *transducer.Model
	vars   []nn.Variable
	opt    Optimizer
	loss   LossFunc
	diff   Differentiator
	acc    *Accumulator
	retry  *resilience.RetryConfig
	logger zerolog.Logger

	mu    sync.Mutex
	steps int
	micro int
}

// NewTrainer creates a trainer. Accumulation is enabled when
// cfg.AccumulationSteps > 1.
func NewTrainer(model *transducer.Model, opt Optimizer, cfg Config, opts ...Option) (*Trainer, error) {
	if model == nil || opt == nil {
		return nil, fmt.Errorf("trainer needs a model and an optimizer")
	}
	if cfg.GlobalBatchSize < 0 || cfg.AccumulationSteps < 0 || cfg.StepsPerEpoch < 0 {
		return nil, fmt.Errorf("trainer config must not be negative: %+v", cfg)
	}
	t := &Trainer{
		cfg:    cfg,
		model:  model,
		vars:   model.TrainableVariables(),
		opt:    opt,
		loss:   rnnt.Loss,
		diff:   NewFiniteDifference(0),
		retry:  resilience.DefaultRetryConfig(),
		logger: observability.ForComponent("trainer"),
	}
	for _, o := range opts {
		o(t)
	}
	if cfg.AccumulationSteps > 1 {
		t.acc = NewAccumulator(t.vars)
	}
	return t, nil
}

// Steps is the number of applied optimizer updates.
func (t *Trainer) Steps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps
}

// Epoch is the 1-based epoch derived from the step counter.
func (t *Trainer) Epoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schedule.Epoch(t.steps, t.cfg.StepsPerEpoch)
}

// Variables returns the parameters the trainer updates.
func (t *Trainer) Variables() []nn.Variable { return t.vars }

// Accumulator returns the gradient buffer, nil for a plain trainer.
func (t *Trainer) Accumulator() *Accumulator { return t.acc }

func (t *Trainer) evaluate(b Batch, ep int, training bool) (StepResult, error) {
	logits, aux, err := t.model.Forward(b.input(), ep, training)
	if err != nil {
		return StepResult{}, err
	}
	logitLength := transducer.ReducedLength(b.InputLength, t.model.TimeReductionFactor())
	per, err := t.loss(logits, b.Labels, b.LabelLength, logitLength, t.cfg.Blank)
	if err != nil {
		return StepResult{}, fmt.Errorf("loss: %w", err)
	}

	res := StepResult{Epoch: ep, AuxLoss: aux, BatchSize: b.Size(), PerExample: per}
	primary := 0.0
	for _, l := range per {
		primary += l
	}
	res.MeanPrimary = primary / float64(len(per))
	if !training {
		res.Loss = res.MeanPrimary
		return res, nil
	}

	res.Lambda = schedule.Anneal(ep)
	total := 0.0
	for i := range per {
		per[i] += res.Lambda * aux
		total += per[i]
	}
	global := t.cfg.GlobalBatchSize
	if global <= 0 {
		global = b.Size()
	}
	res.Loss = total / float64(global)
	return res, nil
}

// TrainStep runs one microbatch: forward, loss, gradients and either an
// immediate update or accumulation.
func (t *Trainer) TrainStep(ctx context.Context, b Batch) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if err := b.Validate(); err != nil {
		return StepResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ep := schedule.Epoch(t.steps, t.cfg.StepsPerEpoch)
	replay := t.model.Snapshot()
	res, err := t.evaluate(b, ep, true)
	if err != nil {
		return StepResult{}, err
	}
	if !finite(res.Loss) {
		return res, fmt.Errorf("%w: %g at step %d", ErrNonFiniteLoss, res.Loss, t.steps)
	}

	// Every objective evaluation replays the step's noise and dropout draws
	// from the same batch-norm statistics; afterwards the model is left as
	// one forward pass left it.
	advanced := t.model.Snapshot()
	grads, err := t.diff.Gradients(func() (float64, error) {
		replay()
		r, err := t.evaluate(b, ep, true)
		return r.Loss, err
	}, t.vars)
	advanced()
	if err != nil {
		return res, fmt.Errorf("gradients: %w", err)
	}

	if t.acc == nil {
		if err := t.opt.Apply(grads, t.vars); err != nil {
			return res, fmt.Errorf("apply gradients: %w", err)
		}
		res.Applied = true
	} else {
		if err := t.acc.Accumulate(grads); err != nil {
			return res, fmt.Errorf("accumulate gradients: %w", err)
		}
		t.micro++
		if t.micro == t.cfg.AccumulationSteps {
			if err := t.acc.ApplyAndReset(t.opt, t.vars); err != nil {
				return res, fmt.Errorf("apply gradients: %w", err)
			}
			t.micro = 0
			res.Applied = true
		}
	}
	if res.Applied {
		t.steps++
		observability.RecordOptimizerStep()
	}

	observability.RecordTrainStep(ep, res.MeanPrimary, res.AuxLoss, res.Lambda)
	event := t.logger.Debug()
	if t.cfg.LogEvery > 0 && res.Applied && t.steps%t.cfg.LogEvery == 0 {
		event = t.logger.Info()
	}
	event.
		Int("epoch", ep).
		Int("step", t.steps).
		Float64("loss", res.Loss).
		Float64("transducer_loss", res.MeanPrimary).
		Float64("aux_loss", res.AuxLoss).
		Float64("lambda", res.Lambda).
		Bool("applied", res.Applied).
		Msg("Train step")
	return res, nil
}

// EvalStep computes the transducer loss with training disabled. No gradient
// is computed and no parameter changes.
func (t *Trainer) EvalStep(ctx context.Context, b Batch) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if err := b.Validate(); err != nil {
		return StepResult{}, err
	}
	t.mu.Lock()
	ep := schedule.Epoch(t.steps, t.cfg.StepsPerEpoch)
	t.mu.Unlock()

	res, err := t.evaluate(b, ep, false)
	if err != nil {
		return StepResult{}, err
	}
	if !finite(res.Loss) {
		return res, fmt.Errorf("%w: eval loss %g", ErrNonFiniteLoss, res.Loss)
	}
	observability.RecordEvalStep(res.Loss)
	return res, nil
}

// Fit trains for epochs passes over train, evaluating on eval (if non-nil)
// after each. Transient iterator errors are retried; cancellation of ctx
// stops between steps.
func (t *Trainer) Fit(ctx context.Context, train, eval Iterator, epochs int) error {
	t.deriveStepsPerEpoch(train)

	for e := 0; e < epochs; e++ {
		if err := train.Reset(); err != nil {
			return fmt.Errorf("reset train iterator: %w", err)
		}
		var mean RunningMean
		for {
			b, err := t.next(ctx, train)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			res, err := t.TrainStep(ctx, b)
			if err != nil {
				return err
			}
			mean.Add(res.MeanPrimary)
		}
		event := t.logger.Info().Int("epoch", t.Epoch()).Int("steps", t.Steps())
		if mean.Count() > 0 {
			event = event.Float64("train_loss", mean.Value())
		}

		if eval != nil {
			loss, err := t.Evaluate(ctx, eval)
			if err != nil {
				return err
			}
			event = event.Float64("eval_loss", loss)
		}
		event.Msg("Epoch finished")
	}
	return nil
}

// deriveStepsPerEpoch fills an unset StepsPerEpoch from the iterator length.
// Without either the epoch stays at 1 and the annealing weight never decays.
func (t *Trainer) deriveStepsPerEpoch(it Iterator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.StepsPerEpoch > 0 {
		return
	}
	l, ok := it.(interface{ Len() int })
	if !ok {
		t.logger.Warn().Msg("steps_per_epoch is unset and the iterator has no length; epoch stays at 1")
		return
	}
	k := max(t.cfg.AccumulationSteps, 1)
	t.cfg.StepsPerEpoch = max((l.Len()+k-1)/k, 1)
}

// Evaluate runs EvalStep over every batch of it and returns the mean loss.
func (t *Trainer) Evaluate(ctx context.Context, it Iterator) (float64, error) {
	if err := it.Reset(); err != nil {
		return 0, fmt.Errorf("reset eval iterator: %w", err)
	}
	var mean RunningMean
	for {
		b, err := t.next(ctx, it)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		res, err := t.EvalStep(ctx, b)
		if err != nil {
			return 0, err
		}
		mean.Add(res.Loss)
	}
	return mean.Value(), nil
}

func (t *Trainer) next(ctx context.Context, it Iterator) (Batch, error) {
	var b Batch
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		var err error
		b, err = it.Next(ctx)
		return err
	}, t.retry, resilience.IsRetryable)
	if err != nil && !errors.Is(err, io.EOF) {
		observability.RecordError("iterator", "trainer")
		t.logger.Error().Err(err).Msg("Failed to fetch batch")
	}
	return b, err
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
