package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		Initial:     time.Millisecond,
		Cap:         5 * time.Millisecond,
		Factor:      2.0,
	}
}

// TestRetry_SucceedsFirstTry verifies no delay cost on immediate success.
func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestRetry_EventualSuccess verifies the loop retries until success.
func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("not ready yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetry_Exhausted verifies the last error is surfaced after the budget
// runs out.
func TestRetry_Exhausted(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0

	err := Retry(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("Retry() error = %v, want wrapped sentinel", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetry_ContextCancelled verifies cancellation stops the loop between
// attempts.
func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, fastConfig(10), func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return fmt.Errorf("failing")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestConfig_Validate covers configuration bounds.
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", DefaultConfig(), false},
		{"zero attempts", Config{MaxAttempts: 0, Initial: time.Second, Cap: time.Second, Factor: 2}, true},
		{"zero initial", Config{MaxAttempts: 3, Cap: time.Second, Factor: 2}, true},
		{"cap below initial", Config{MaxAttempts: 3, Initial: time.Second, Cap: time.Millisecond, Factor: 2}, true},
		{"factor below one", Config{MaxAttempts: 3, Initial: time.Second, Cap: time.Second, Factor: 0.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
