package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 50
	DefaultBaseDelay   = 5 * time.Millisecond
	DefaultMaxDelay    = 250 * time.Millisecond
)

// RetryPolicy bounds the optimistic retry loop: at most MaxAttempts tries,
// sleeping an exponentially growing, jittered delay between conflicts.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ApplyDefaults fills in zero-valued fields.
func (p *RetryPolicy) ApplyDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultMaxDelay
	}
}

// Validate checks that the policy can make progress.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay, got %v/%v", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Do runs op until it succeeds, fails with something other than
// ErrConflict, the context ends, or the attempt budget is spent. Each
// attempt must start from scratch: op re-reads everything it depends on.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p.ApplyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))

	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: gave up after %d attempts", ErrContention, attempts)
	}
	return err
}
