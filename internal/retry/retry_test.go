package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, Backoff: time.Millisecond, Timeout: time.Second}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), "op", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), "op", func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("not visible yet"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not retry, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	underlying := errors.New("still empty")
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), "op", func() error {
		calls++
		return Retryable(underlying)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, underlying) {
		t.Errorf("exhaustion error should wrap the last failure, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, nil, fastConfig(), "op", func() error {
		return Retryable(errors.New("never"))
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"rate limit", errors.New("HTTP 429 too many requests"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"rejection", errors.New("order rejected: insufficient margin"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, expected %v", tt.err, got, tt.transient)
			}
		})
	}
}
