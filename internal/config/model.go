package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/conformer"
	"github.com/lexiqai/asr-transducer/internal/streaming"
	"github.com/lexiqai/asr-transducer/internal/train"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

// ErrInvalidModelConfig wraps every model tree validation failure.
var ErrInvalidModelConfig = errors.New("invalid model config")

// EncoderKind selects the acoustic encoder.
type EncoderKind string

const (
	ConformerEncoder EncoderKind = "conformer"
	StreamingEncoder EncoderKind = "streaming"
)

// TrainerConfig extends the step settings with the optimizer choice.
type TrainerConfig struct {
	train.Config `yaml:",inline"`
	Optimizer    string  `yaml:"optimizer"` // adam or sgd
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	// FiniteDifferenceEpsilon is the gradient probe step.
	FiniteDifferenceEpsilon float64 `yaml:"finite_difference_epsilon"`
}

// ModelConfig is the YAML model tree.
type ModelConfig struct {
	Encoder    EncoderKind                 `yaml:"encoder"`
	Speech     audio.FeatureConfig         `yaml:"speech_config"`
	Conformer  conformer.Config            `yaml:"conformer"`
	Streaming  streaming.Config            `yaml:"streaming"`
	Prediction transducer.PredictionConfig `yaml:"prediction"`
	Trainer    TrainerConfig               `yaml:"trainer"`
}

// DefaultModelConfig is a streaming model over 80 log-mel bins with a
// 29-token vocabulary (blank, space, apostrophe and a-z).
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		Encoder:    StreamingEncoder,
		Speech:     audio.DefaultFeatureConfig(),
		Conformer:  conformer.DefaultConfig(),
		Streaming:  streaming.DefaultConfig(),
		Prediction: transducer.DefaultPredictionConfig(29, 0),
		Trainer: TrainerConfig{
			Config: train.Config{
				GlobalBatchSize:   4,
				AccumulationSteps: 1,
				LogEvery:          100,
			},
			Optimizer:    "adam",
			LearningRate: 1e-3,
			Epochs:       20,
		},
	}
}

// LoadModelFile reads path over the defaults and validates the result.
func LoadModelFile(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig decodes YAML over the defaults and validates the result.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	cfg := DefaultModelConfig()
	// a reductions map in the file replaces the default one
	cfg.Streaming.Reductions = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if cfg.Streaming.Reductions == nil {
		cfg.Streaming.Reductions = streaming.DefaultConfig().Reductions
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncoderDim is the width of the selected encoder's output.
func (c *ModelConfig) EncoderDim() int {
	if c.Encoder == ConformerEncoder {
		return c.Conformer.DModel
	}
	return c.Streaming.DModel
}

func (c *ModelConfig) featureBins() int {
	if c.Encoder == ConformerEncoder {
		return c.Conformer.FeatureBins
	}
	return c.Streaming.FeatureBins
}

func (c *ModelConfig) prediction() transducer.PredictionConfig {
	p := c.Prediction
	if p.EncoderDim == 0 {
		p.EncoderDim = c.EncoderDim()
	}
	return p
}

// Validate checks the selected encoder, the prediction network, the
// front end and the trainer, reporting every problem.
func (c *ModelConfig) Validate() error {
	var result *multierror.Error
	add := func(section string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %s: %w", ErrInvalidModelConfig, section, err))
		}
	}

	switch c.Encoder {
	case ConformerEncoder:
		add("conformer", c.Conformer.Validate())
	case StreamingEncoder:
		add("streaming", c.Streaming.Validate())
	default:
		add("encoder", fmt.Errorf("unknown encoder %q (want conformer or streaming)", c.Encoder))
	}
	add("speech_config", c.Speech.Validate())
	if c.Speech.NumBins != c.featureBins() {
		add("speech_config", fmt.Errorf("num_feature_bins %d does not match the encoder's feature_bins %d", c.Speech.NumBins, c.featureBins()))
	}

	p := c.prediction()
	add("prediction", p.Validate())
	if p.EncoderDim != c.EncoderDim() {
		add("prediction", fmt.Errorf("encoder_dim %d does not match the encoder output %d", p.EncoderDim, c.EncoderDim()))
	}

	t := c.Trainer
	switch t.Optimizer {
	case "adam", "sgd":
	default:
		add("trainer", fmt.Errorf("unknown optimizer %q (want adam or sgd)", t.Optimizer))
	}
	if t.LearningRate <= 0 {
		add("trainer", fmt.Errorf("learning_rate must be positive, got %g", t.LearningRate))
	}
	if t.GlobalBatchSize < 0 || t.AccumulationSteps < 0 || t.StepsPerEpoch < 0 || t.Epochs < 0 {
		add("trainer", fmt.Errorf("batch, accumulation, steps and epochs must not be negative"))
	}
	if t.Blank < 0 || t.Blank >= p.VocabularySize {
		add("trainer", fmt.Errorf("blank %d outside the vocabulary of %d", t.Blank, p.VocabularySize))
	}
	return result.ErrorOrNil()
}

// BuildModel constructs the configured transducer.
func (c *ModelConfig) BuildModel() (*transducer.Model, error) {
	var enc transducer.Encoder
	switch c.Encoder {
	case ConformerEncoder:
		e, err := conformer.NewEncoder(c.Conformer)
		if err != nil {
			return nil, err
		}
		enc = transducer.ConformerEncoder{Encoder: e}
	case StreamingEncoder:
		e, err := streaming.NewEncoder(c.Streaming)
		if err != nil {
			return nil, err
		}
		enc = transducer.StreamingEncoder{Encoder: e}
	default:
		return nil, fmt.Errorf("%w: unknown encoder %q", ErrInvalidModelConfig, c.Encoder)
	}
	pj, err := transducer.NewRNNPredictionJoint(c.prediction())
	if err != nil {
		return nil, err
	}
	return transducer.NewModel(enc, pj), nil
}

// BuildOptimizer returns the configured optimizer.
func (c *ModelConfig) BuildOptimizer() train.Optimizer {
	if c.Trainer.Optimizer == "sgd" {
		return train.SGD{LearningRate: c.Trainer.LearningRate}
	}
	return train.NewAdam(c.Trainer.LearningRate)
}

// BuildExtractor returns the log-mel front end.
func (c *ModelConfig) BuildExtractor() (*audio.LogMelExtractor, error) {
	return audio.NewLogMelExtractor(c.Speech)
}
