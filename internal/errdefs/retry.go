package errdefs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs fn with bounded exponential backoff, retrying only errors
// classified transient. Any other error aborts immediately and is returned
// as-is. The context bounds the whole attempt sequence.
func Retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
