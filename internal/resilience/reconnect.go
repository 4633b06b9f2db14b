package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Wait after the first failure
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ConnectFunc opens a connection of type T.
type ConnectFunc[T any] func(ctx context.Context) (T, error)

// Connect calls fn until it returns a connection, backing off between
// attempts. The stream client uses it to reach the recognition server.
func Connect[T any](ctx context.Context, fn ConnectFunc[T], config *ReconnectConfig, logger zerolog.Logger) (T, error) {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var zero T
	var lastErr error
	backoff := config.Backoff
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		conn, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Connected after retrying")
			}
			return conn, nil
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
	return zero, fmt.Errorf("failed to connect after %d attempts: %w", config.MaxAttempts, lastErr)
}
