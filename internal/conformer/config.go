// Package conformer implements the Conformer encoder: convolutional
// subsampling, positional encoding and a stack of
// FFM → MHSA → Conv → FFM → LayerNorm blocks, run as a noised pass through
// the full stack and a clean pass through the front end only, blended by an
// epoch-annealed weight.
package conformer

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidAttention is returned for an attention kind other than relmha or mha.
	ErrInvalidAttention = errors.New("mha_type must be either 'mha' or 'relmha'")
	// ErrInvalidSubsampling is returned for a subsampling kind other than conv2d or vgg.
	ErrInvalidSubsampling = errors.New("subsampling must be either 'conv2d' or 'vgg'")
	// ErrInvalidPositionalEncoding is returned for an unknown positional encoding.
	ErrInvalidPositionalEncoding = errors.New("positional_encoding must be one of 'sinusoid', 'sinusoid_concat' or 'subsampling'")
	// ErrInvalidConfig wraps numeric configuration problems.
	ErrInvalidConfig = errors.New("invalid conformer config")
	// ErrInputShape is returned when features do not match the configured layout.
	ErrInputShape = errors.New("conformer: unexpected input shape")
)

// AttentionKind selects the self-attention variant.
type AttentionKind string

const (
	// RelativeAttention scores content and relative position separately.
	RelativeAttention AttentionKind = "relmha"
	// AbsoluteAttention adds the positional signal to the input.
	AbsoluteAttention AttentionKind = "mha"
)

// SubsamplingKind selects the front-end time reduction.
type SubsamplingKind string

const (
	Conv2DSubsampling SubsamplingKind = "conv2d"
	VGGSubsampling    SubsamplingKind = "vgg"
)

// PositionalEncodingKind selects how the positional signal is produced.
type PositionalEncodingKind string

const (
	SinusoidEncoding       PositionalEncodingKind = "sinusoid"
	SinusoidConcatEncoding PositionalEncodingKind = "sinusoid_concat"
	SubsamplingEncoding    PositionalEncodingKind = "subsampling"
)

// SubsamplingConfig configures the convolutional front end.
type SubsamplingConfig struct {
	Kind SubsamplingKind `yaml:"type"`
	// Filters is the conv2d filter count, or the first VGG stage width (the
	// second stage uses twice as many).
	Filters    int `yaml:"filters"`
	KernelSize int `yaml:"kernel_size"`
	Strides    int `yaml:"strides"`
}

// Config is the full encoder configuration.
type Config struct {
	FeatureBins        int                    `yaml:"feature_bins"`
	FeatureChannels    int                    `yaml:"feature_channels"`
	Subsampling        SubsamplingConfig      `yaml:"subsampling"`
	PositionalEncoding PositionalEncodingKind `yaml:"positional_encoding"`
	DModel             int                    `yaml:"dmodel"`
	NumBlocks          int                    `yaml:"num_blocks"`
	Attention          AttentionKind          `yaml:"mha_type"`
	// HeadSize of 0 means DModel / NumHeads.
	HeadSize        int     `yaml:"head_size"`
	NumHeads        int     `yaml:"num_heads"`
	KernelSize      int     `yaml:"kernel_size"`
	DepthMultiplier int     `yaml:"depth_multiplier"`
	FCFactor        float64 `yaml:"fc_factor"`
	Dropout         float64 `yaml:"dropout"`
	// NoiseStdDev is the Gaussian perturbation applied to the noised branch.
	NoiseStdDev float64 `yaml:"noise_stddev"`
	// NoiseTrainingOnly disables the perturbation in evaluation passes.
	NoiseTrainingOnly bool   `yaml:"noise_training_only"`
	Seed              uint64 `yaml:"seed"`
}

// DefaultConfig mirrors the reference Conformer-S style setup.
func DefaultConfig() Config {
	return Config{
		FeatureBins:     80,
		FeatureChannels: 1,
		Subsampling: SubsamplingConfig{
			Kind:       Conv2DSubsampling,
			Filters:    144,
			KernelSize: 3,
			Strides:    2,
		},
		PositionalEncoding: SinusoidEncoding,
		DModel:             144,
		NumBlocks:          16,
		Attention:          RelativeAttention,
		HeadSize:           36,
		NumHeads:           4,
		KernelSize:         32,
		DepthMultiplier:    1,
		FCFactor:           0.5,
		Dropout:            0,
		NoiseStdDev:        1e-4,
	}
}

// headSize resolves the per-head width.
func (c Config) headSize() int {
	if c.HeadSize > 0 {
		return c.HeadSize
	}
	if c.NumHeads > 0 {
		return c.DModel / c.NumHeads
	}
	return 0
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var result *multierror.Error

	switch c.Attention {
	case RelativeAttention, AbsoluteAttention:
	default:
		result = multierror.Append(result, fmt.Errorf("%w: got %q", ErrInvalidAttention, c.Attention))
	}
	switch c.Subsampling.Kind {
	case Conv2DSubsampling, VGGSubsampling:
	default:
		result = multierror.Append(result, fmt.Errorf("%w: got %q", ErrInvalidSubsampling, c.Subsampling.Kind))
	}
	switch c.PositionalEncoding {
	case SinusoidEncoding, SubsamplingEncoding:
	case SinusoidConcatEncoding:
		if c.DModel%2 != 0 {
			result = multierror.Append(result, fmt.Errorf("%w: sinusoid_concat needs an even dmodel, got %d", ErrInvalidConfig, c.DModel))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("%w: got %q", ErrInvalidPositionalEncoding, c.PositionalEncoding))
	}

	positive := map[string]int{
		"feature_bins":            c.FeatureBins,
		"feature_channels":        c.FeatureChannels,
		"dmodel":                  c.DModel,
		"num_heads":               c.NumHeads,
		"kernel_size":             c.KernelSize,
		"depth_multiplier":        c.DepthMultiplier,
		"subsampling.filters":     c.Subsampling.Filters,
		"subsampling.kernel_size": c.Subsampling.KernelSize,
		"subsampling.strides":     c.Subsampling.Strides,
	}
	for name, v := range positive {
		if v <= 0 {
			result = multierror.Append(result, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, name, v))
		}
	}
	if c.NumBlocks < 0 {
		result = multierror.Append(result, fmt.Errorf("%w: num_blocks must not be negative, got %d", ErrInvalidConfig, c.NumBlocks))
	}
	if c.HeadSize == 0 && c.NumHeads > 0 && c.DModel%c.NumHeads != 0 {
		result = multierror.Append(result, fmt.Errorf("%w: dmodel %d is not divisible by num_heads %d", ErrInvalidConfig, c.DModel, c.NumHeads))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		result = multierror.Append(result, fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrInvalidConfig, c.Dropout))
	}
	if c.NoiseStdDev < 0 {
		result = multierror.Append(result, fmt.Errorf("%w: noise_stddev must not be negative, got %g", ErrInvalidConfig, c.NoiseStdDev))
	}

	return result.ErrorOrNil()
}
