// Package retry reruns failing operations on a bounded exponential backoff
// schedule. Whether an error is worth retrying comes from the error taxonomy:
// the GateError Retryable flag, or an explicit allow list of codes.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/calgate/calgate/pkg/errors"
)

// Config tunes the backoff schedule and what counts as retryable.
type Config struct {
	// MaxAttempts bounds the total tries, the first included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay seeds the backoff schedule.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the schedule however far it has grown.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each wait by up to 20% either way so callers that
	// failed together do not retry together.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes to retry even when the error itself is
	// not flagged retryable.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry runs before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the schedule used for origin fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeFetchFailed,
			errors.ErrCodeFetchTimeout,
			errors.ErrCodeConnectionExhausted,
			errors.ErrCodeStoreUnavailable,
		},
	}
}

// Retryer drives operations through the configured schedule.
type Retryer struct {
	config Config
}

// New creates a Retryer. Zero config fields are replaced with defaults.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}

	return &Retryer{config: config}
}

// Do runs fn until it succeeds, fails unretryably, or attempts run out.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext runs fn like Do. Cancelling ctx aborts both the wait between
// attempts and the admission of the next one.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	delay := r.config.InitialDelay

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, err)
		}

		wait := delay
		if r.config.Jitter {
			wait += time.Duration((rand.Float64()*2 - 1) * 0.2 * float64(wait))
		}
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.config.Multiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}
}

// retryable consults the error's own flag first, then the configured codes.
// Errors outside the taxonomy are never retried.
func (r *Retryer) retryable(err error) bool {
	var ge *errors.GateError
	if !stderr.As(err, &ge) {
		return false
	}
	if ge.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if ge.Code == code {
			return true
		}
	}
	return false
}
