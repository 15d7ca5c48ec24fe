// Package retry provides bounded retry loops for broker calls whose results
// are only eventually consistent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries int
	Backoff    time.Duration // fixed delay between attempts
	Timeout    time.Duration // overall bound across all attempts
}

// DefaultConfig matches the broker's read-after-write visibility lag:
// entry fills usually appear within a couple of polls.
var DefaultConfig = Config{
	MaxRetries: 3,
	Backoff:    2 * time.Second,
	Timeout:    30 * time.Second,
}

// ErrRetryable marks an error as worth another attempt. Wrap with
// fmt.Errorf("...: %w", retry.ErrRetryable) or use Retryable.
var ErrRetryable = errors.New("retryable")

// Retryable wraps err so the retry loop will try again.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt/time bounds are exhausted.
func Do(ctx context.Context, logger *log.Logger, cfg Config, label string, op func() error) error {
	if logger == nil {
		logger = log.New(os.Stderr, "retry: ", log.LstdFlags)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s timed out after %v: %w", label, cfg.Timeout, err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrRetryable) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Printf("%s attempt %d/%d failed, retrying in %v: %v",
			label, attempt+1, cfg.MaxRetries+1, cfg.Backoff, lastErr)
		select {
		case <-time.After(cfg.Backoff):
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, cfg.MaxRetries+1, lastErr)
}

// IsTransient classifies broker transport errors that usually clear on
// their own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
