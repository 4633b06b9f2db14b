package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/resilience"
)

// Config holds all configuration for the streaming recognition service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"`

	// Public base URL for this service, used only to log the websocket
	// endpoint. Optional; if unset, logs ws://localhost:PORT/v1/stream.
	PublicURL string `envconfig:"ASR_PUBLIC_URL" default:""`

	// Path to the YAML model tree; empty uses the built-in defaults.
	ModelConfig string `envconfig:"MODEL_CONFIG" default:""`

	// Path to a msgpack checkpoint written by asrctl train; empty serves
	// freshly initialized weights.
	ModelCheckpoint string `envconfig:"MODEL_CHECKPOINT" default:""`

	// Session configuration
	MaxSessions        int     `envconfig:"MAX_SESSIONS" default:"64"`
	SessionIdleTimeout int     `envconfig:"SESSION_IDLE_TIMEOUT" default:"60"` // seconds
	InputSampleRate    int     `envconfig:"INPUT_SAMPLE_RATE" default:"8000"`  // rate of client audio
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"0.015"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"` // silent frames that end an utterance
	VADResetState      bool    `envconfig:"VAD_RESET_STATE" default:"true"`  // reset encoder state when an utterance ends

	// Encoder circuit breaker: consecutive failed steps before /ready fails
	// and new steps are refused, and how long to wait before probing again.
	EncoderMaxFailures  int `envconfig:"ENCODER_MAX_FAILURES" default:"5"`
	EncoderResetTimeout int `envconfig:"ENCODER_RESET_TIMEOUT" default:"30"` // seconds

	// Retry configuration (trainer data loading)
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Port == "" {
		result = multierror.Append(result, fmt.Errorf("PORT is required"))
	}
	if c.MaxSessions <= 0 {
		result = multierror.Append(result, fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions))
	}
	if c.SessionIdleTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive, got %d", c.SessionIdleTimeout))
	}
	if c.InputSampleRate <= 0 {
		result = multierror.Append(result, fmt.Errorf("INPUT_SAMPLE_RATE must be positive, got %d", c.InputSampleRate))
	}
	if c.VADEnergyThreshold < 0 || c.VADEnergyThreshold > 1 {
		result = multierror.Append(result, fmt.Errorf("VAD_ENERGY_THRESHOLD must be in [0, 1], got %g", c.VADEnergyThreshold))
	}
	if c.VADSilenceFrames <= 0 {
		result = multierror.Append(result, fmt.Errorf("VAD_SILENCE_FRAMES must be positive, got %d", c.VADSilenceFrames))
	}
	if c.EncoderMaxFailures <= 0 || c.EncoderResetTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("ENCODER_MAX_FAILURES and ENCODER_RESET_TIMEOUT must be positive, got %d and %d", c.EncoderMaxFailures, c.EncoderResetTimeout))
	}
	if c.RetryMaxAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}
	return result.ErrorOrNil()
}

// IdleTimeout is SessionIdleTimeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeout) * time.Second
}

// EncoderBreaker guards the shared encoder in the stream server.
func (c *Config) EncoderBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("encoder", c.EncoderMaxFailures, time.Duration(c.EncoderResetTimeout)*time.Second)
}

// VAD builds the detector settings for frameSize-sample frames.
func (c *Config) VAD(frameSize int) *audio.VADConfig {
	return &audio.VADConfig{
		EnergyThreshold: c.VADEnergyThreshold,
		SilenceFrames:   c.VADSilenceFrames,
		FrameSize:       frameSize,
	}
}

// Retry builds the retry policy used when pulling training batches.
func (c *Config) Retry() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = c.RetryMaxAttempts
	rc.InitialBackoff = time.Duration(c.RetryInitialBackoff) * time.Millisecond
	return rc
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
