package leave

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultAttempts bounds how often a transaction is re-run on ErrConflict.
const DefaultAttempts = 16

// Retry runs fn until it succeeds, fails with anything other than ErrConflict,
// or attempts run out. Only storage contention on shared rows is retried;
// every other error is returned as is on the first occurrence.
func Retry(ctx context.Context, attempts uint, fn func() error) error {
	if attempts == 0 {
		attempts = DefaultAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, ErrConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
	return err
}
