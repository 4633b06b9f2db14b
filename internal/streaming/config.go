// Package streaming implements the recurrent transducer encoder that can run
// over a whole utterance or frame by frame with caller-owned state.
package streaming

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/lexiqai/asr-transducer/internal/nn"
)

var (
	// ErrInvalidConfig wraps configuration problems.
	ErrInvalidConfig = errors.New("invalid streaming encoder config")
	// ErrInputShape is returned when features do not match the configured layout.
	ErrInputShape = errors.New("streaming: unexpected input shape")
	// ErrStateShape is returned when a recurrent state does not match the
	// encoder's layer count, cell slots, batch or units.
	ErrStateShape = errors.New("streaming: unexpected state shape")
)

// Config describes the encoder. Reductions maps a block index to its time
// reduction factor; missing or zero entries mean no reduction.
type Config struct {
	FeatureBins     int         `yaml:"feature_bins"`
	FeatureChannels int         `yaml:"feature_channels"`
	Reductions      map[int]int `yaml:"reductions"`
	DModel          int         `yaml:"dmodel"`
	NumLayers       int         `yaml:"nlayers"`
	RNNType         nn.RNNKind  `yaml:"rnn_type"`
	RNNUnits        int         `yaml:"rnn_units"`
	LayerNorm       bool        `yaml:"layer_norm"`
	Seed            uint64      `yaml:"seed"`
}

// DefaultConfig returns the reference streaming encoder layout.
func DefaultConfig() Config {
	return Config{
		FeatureBins:     80,
		FeatureChannels: 1,
		Reductions:      map[int]int{0: 3, 1: 2},
		DModel:          640,
		NumLayers:       8,
		RNNType:         nn.LSTM,
		RNNUnits:        2048,
		LayerNorm:       true,
	}
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var result *multierror.Error

	if _, err := nn.ParseRNNKind(string(c.RNNType)); err != nil {
		result = multierror.Append(result, err)
	}
	if c.FeatureBins <= 0 || c.FeatureChannels <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: feature layout %dx%d must be positive", ErrInvalidConfig, c.FeatureBins, c.FeatureChannels))
	}
	if c.DModel <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: dmodel must be positive, got %d", ErrInvalidConfig, c.DModel))
	}
	if c.NumLayers <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: nlayers must be positive, got %d", ErrInvalidConfig, c.NumLayers))
	}
	if c.RNNUnits <= 0 {
		result = multierror.Append(result, fmt.Errorf("%w: rnn_units must be positive, got %d", ErrInvalidConfig, c.RNNUnits))
	}
	for idx, factor := range c.Reductions {
		if idx < 0 || idx >= c.NumLayers {
			result = multierror.Append(result, fmt.Errorf("%w: reduction for block %d outside [0, %d)", ErrInvalidConfig, idx, c.NumLayers))
		}
		if factor < 0 {
			result = multierror.Append(result, fmt.Errorf("%w: reduction factor for block %d is negative", ErrInvalidConfig, idx))
		}
	}

	return result.ErrorOrNil()
}

// ReductionFactor is the product of every positive factor among the first
// nlayers blocks.
func ReductionFactor(reductions map[int]int, nlayers int) int {
	factor := 1
	for i := 0; i < nlayers; i++ {
		if f := reductions[i]; f > 0 {
			factor *= f
		}
	}
	return factor
}
