// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
)

// Backoff bounds. The delay before the first retry is MinBackoff and
// doubles per attempt up to MaxBackoff.
const (
	MinBackoff = 500 * time.Millisecond
	MaxBackoff = 10 * time.Second
)

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

type options struct {
	clock    clock.Clock
	min, max time.Duration
}

// Option configures Do.
type Option func(*options)

// WithClock sets the clock that times the backoff.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithBackoff overrides the backoff bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *options) { o.min, o.max = minDelay, maxDelay }
}

// Do calls fn up to 1+retries times, backing off between attempts. It
// stops early on success, on a Permanent error, or when ctx is done.
// name prefixes returned errors.
func Do(ctx context.Context, name string, retries int, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{clock: clock.New(), min: MinBackoff, max: MaxBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	b := &backoff.Backoff{Min: o.min, Max: o.max, Factor: 2}

	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			timer := o.clock.Timer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var p *permanent
		if errors.As(lastErr, &p) {
			return fmt.Errorf("%s: non-retriable error: %w", name, p.err)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
