// Package retry runs operations with exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 10 * time.Second
	maxJitterFraction = 0.2
	maxBackoffShift   = 30
)

// Classifier reports whether an error may succeed on a later attempt.
type Classifier func(error) bool

// Retryable is the default classifier: only transient network and storage failures retry.
func Retryable(err error) bool {
	return failures.IsTransient(err)
}

// Policy configures backoff. MaxRetries counts retries after the first attempt, so an
// operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter returns a fraction in [0, 0.2). Nil uses a uniform random draw.
	Jitter func() float64
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three retries starting at one second, capped at ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}
}

// IsZero reports whether p was left unset.
func (p Policy) IsZero() bool {
	return p.MaxRetries == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 && p.Jitter == nil && p.Sleep == nil
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter == nil {
		p.Jitter = uniformJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Delay returns min(MaxDelay, BaseDelay * 2^attempt * (1 + jitter)) for a zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		return p.MaxDelay
	}
	jitter := p.Jitter()
	if jitter < 0 || jitter >= maxJitterFraction {
		jitter = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt)) * (1 + jitter)
	if delay >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs op until it succeeds, classify rejects the error, retries run out, or ctx
// ends. The last error is returned.
func Execute(ctx context.Context, policy Policy, classify Classifier, op func(context.Context) error) error {
	_, err := ExecuteValue(ctx, policy, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, policy Policy, classify Classifier, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	if classify == nil {
		classify = Retryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !classify(err) || attempt == policy.MaxRetries {
			break
		}
		if sleepErr := policy.Sleep(ctx, policy.Delay(attempt)); sleepErr != nil {
			return zero, sleepErr
		}
	}
	return zero, lastErr
}

func uniformJitter() float64 {
	return rand.Float64() * maxJitterFraction
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
