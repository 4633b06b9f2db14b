package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastReconnect() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Multiplier:  2,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestConnect_EventualSuccess(t *testing.T) {
	calls := 0
	conn, err := Connect(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("refused")
		}
		return "conn", nil
	}, fastReconnect(), zerolog.Nop())

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if conn != "conn" || calls != 3 {
		t.Errorf("Expected 'conn' after 3 calls, got '%s' after %d", conn, calls)
	}
}

func TestConnect_GivesUp(t *testing.T) {
	refused := errors.New("refused")
	calls := 0
	_, err := Connect(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, refused
	}, fastReconnect(), zerolog.Nop())

	if !errors.Is(err, refused) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Connect(ctx, func(context.Context) (int, error) {
		calls++
		return 1, nil
	}, fastReconnect(), zerolog.Nop())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no attempts, got %d", calls)
	}
}
