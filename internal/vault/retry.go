package vault

import (
	"errors"
	"time"
)

// RetryPolicy is a bounded retry for vault mutations that can race an
// external sync or move operation on the same file.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is slept between tries; the last entry repeats when there are
	// more retries than entries.
	Backoff []time.Duration
	// Retryable decides whether an error is worth another try.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries twice with short backoff. Malformed metadata is
// never retryable: the document will not heal by waiting.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  []time.Duration{50 * time.Millisecond, 250 * time.Millisecond},
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrMalformedMetadata)
		},
	}
}

// Do runs op until it succeeds, exhausts attempts, or hits a non-retryable
// error. The last error is returned.
func (p RetryPolicy) Do(op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(p.backoffFor(i))
		}
	}
	return err
}

func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.Backoff) {
		attempt = len(p.Backoff) - 1
	}
	return p.Backoff[attempt]
}
