// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry provides bounded retry with exponential backoff and jitter.
//
// The policy lives outside the saga state machine: callers construct a
// Config and hand it to the components that perform I/O (the operation
// executor, the directory watcher). A zero-value Config disables retries
// entirely, which is the right default for operations whose failure the
// saga must observe immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("retry: invalid configuration")

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial wait duration before first retry.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.2
	JitterFactor float64
}

// DefaultConfig returns sensible defaults for retry behavior.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialBackoff <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxBackoff < c.InitialBackoff {
		return ErrInvalidConfig
	}
	if c.BackoffFactor < 1.0 {
		return ErrInvalidConfig
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Func is a function that can be retried.
// It should return nil on success, or an error.
type Func func(ctx context.Context, attempt int) error

// Do executes the given function with exponential backoff retry.
//
// # Description
//
// Runs fn up to config.MaxAttempts times. The function is retried only if
// it returns an error for which retryable returns true; other errors cause
// immediate return without further attempts. A nil retryable predicate
// retries every error.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - config: Retry configuration. Zero MaxAttempts means a single attempt.
//   - retryable: Predicate deciding whether an error is worth retrying.
//   - fn: The function to execute and potentially retry.
//
// # Outputs
//
//   - Result: Statistics about the retry operation.
//   - error: The last error if all attempts failed, nil on success.
func Do(ctx context.Context, config Config, retryable func(error) bool, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		// Check context before attempting
		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		result.LastError = err

		if retryable != nil && !retryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		// Don't wait after the last attempt
		if attempt == attempts {
			break
		}

		wait := jittered(backoff, config.JitterFactor)
		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(wait):
		}

		backoff = next(backoff, config)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// jittered adds up to factor*d of random jitter to d.
func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Float64() * factor * float64(d))
	return d + jitter
}

// next computes the next backoff, capped at MaxBackoff.
func next(current time.Duration, config Config) time.Duration {
	factor := config.BackoffFactor
	if factor < 1.0 {
		factor = 2.0
	}
	n := time.Duration(float64(current) * factor)
	if config.MaxBackoff > 0 && n > config.MaxBackoff {
		return config.MaxBackoff
	}
	return n
}
