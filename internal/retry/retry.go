// Package retry retries operations with jittered exponential backoff.
//
// Sockets never retry by themselves. Applications that want to retry
// a connect or a query use this package.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls the backoff between attempts.
type Policy struct {
	// Initial is the mean wait time after the first failure.
	Initial time.Duration

	// Max is the largest mean wait time. We give up once the mean
	// wait time would be larger than Max.
	Max time.Duration

	// Factor multiplies the mean wait time after each failure.
	Factor float64

	// Jitter is the standard deviation relative to the mean.
	Jitter float64
}

// DefaultPolicy waits about 0.5, 1, 2, 4, 8 seconds.
var DefaultPolicy = Policy{
	Initial: 500 * time.Millisecond,
	Max:     8 * time.Second,
	Factor:  2.0,
	Jitter:  0.05,
}

// Do calls op until it succeeds, ctx expires, or the policy tells us
// to give up. In the latter case it returns the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var (
		attempts int
		err      error
	)
	for mean := p.Initial; ; mean = time.Duration(float64(mean) * p.Factor) {
		attempts++
		if err = op(ctx); err == nil {
			return nil
		}
		if mean > p.Max || p.Factor <= 1 {
			break
		}
		wait := time.Duration(rng.NormFloat64()*p.Jitter*float64(mean)) + mean
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("retry: %d attempts failed: %w", attempts, err)
}

// Retry is like DefaultPolicy.Do.
func Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return DefaultPolicy.Do(ctx, op)
}
