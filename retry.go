package treasury

import (
	"github.com/cenkalti/backoff/v4"
)

// maxPostAttempts bounds the retry policy: bounded exponential backoff,
// up to 3 attempts, then the caller sees a KindConcurrentUpdate error.
const maxPostAttempts = 3

// retryableError marks an error observed during a fund post as a
// transient optimistic-concurrency conflict worth retrying.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// withFundRetry runs op up to maxPostAttempts times with bounded
// exponential backoff, retrying only errors wrapped via retryableError.
// If every attempt is exhausted, the last error is surfaced wrapped as
// KindConcurrentUpdate.
func withFundRetry(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPostAttempts-1)

	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if _, ok := err.(*retryableError); ok {
			return err
		}
		// Non-retryable: stop immediately.
		return backoff.Permanent(err)
	}, policy)

	if err == nil {
		return nil
	}
	if _, ok := lastErr.(*retryableError); ok {
		return wrapErr(KindConcurrentUpdate, lastErr, "exceeded retry budget for fund post")
	}
	return err
}
