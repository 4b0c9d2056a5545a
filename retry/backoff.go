// Package retry implements the C9 backoff helpers: a pure capped-exponential
// curve (spec.md §4.9, authoritative) plus a decorator for retrying transient
// state-adapter errors, and a full-jitter variant grounded on the teacher's
// calculateRetryDelay for callers who want randomized backoff instead.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Config is the backoff curve: delay(attempt) = clamp(initialDelayMs *
// multiplier^(attempt-1), 0, maxDelayMs).
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultConfig matches spec.md §6's configuration surface defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 10 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
}

// Backoff is spec.md §4.9's pure function. attempt is 1-indexed (the first
// retry after an initial failure is attempt=1).
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if raw < 0 {
		raw = 0
	}
	d := time.Duration(raw)
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// FullJitterBackoff returns a uniformly random duration in [0, Backoff(attempt,
// cfg)), grounded on the teacher's calculateRetryDelay, which uses a CSPRNG
// (crypto/rand) rather than math/rand to avoid correlated retries across
// worker processes seeded close together in time.
func FullJitterBackoff(attempt int, cfg Config) time.Duration {
	ceiling := Backoff(attempt, cfg)
	if ceiling <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(ceiling)))
	if err != nil {
		return ceiling
	}
	return time.Duration(n.Int64())
}

// ErrorClassifier reports whether an error is transient (connection reset,
// serialization conflict) and therefore worth retrying.
type ErrorClassifier func(err error) bool

// Do runs fn up to maxAttempts times (3 when maxAttempts < 1) while
// classify(err) is true, sleeping Backoff between attempts. It returns the
// last error if every attempt is exhausted, or nil on success. Intended to
// wrap individual state-adapter calls (spec.md §4.1's "Error conditions").
func Do(ctx context.Context, maxAttempts int, cfg Config, classify ErrorClassifier, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if classify != nil && !classify(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, cfg)):
		}
	}
	return lastErr
}
