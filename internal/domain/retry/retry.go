// Package retry classifies delivery errors and computes backoff delays.
package retry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/http"
	"time"
)

// Policy controls how failed attempts are rescheduled.
type Policy struct {
	// MaxAttempts is the total number of attempts before a job is dead.
	MaxAttempts int
	// InitialDelay is the backoff delay after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth of the backoff delay.
	MaxDelay time.Duration
	// Jitter adds up to one InitialDelay of random extra delay to spread
	// retries from jobs that failed together. The jittered delay still
	// never exceeds MaxDelay.
	Jitter bool
}

// DefaultPolicy returns the policy used when a queue has no explicit configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Jitter:       true,
	}
}

// Sanitize applies guardrails to policy values loaded from env.
func (p *Policy) Sanitize() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 5 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
}

// Delay returns the backoff delay to apply after the given attempt number.
// Attempt numbering starts at 1. The base delay doubles per attempt; jitter
// only ever adds to the base, and the result is capped at MaxDelay so the
// delay sequence stays non-decreasing and bounded.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	if p.Jitter {
		delay += randomJitter(p.InitialDelay)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(buf[:]) % uint64(max)) // #nosec G115 - bounded by max which is int64
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Permanent wraps an error so the pipeline dead-letters the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient wraps an error so the pipeline retries the job per policy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsPermanent reports whether the error was marked permanent. Unclassified
// errors are treated as transient; the pipeline guarantees at-least-once
// delivery, so retrying an ambiguous failure is the safe default.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ClassifyStatus wraps err as transient or permanent based on the provider's
// HTTP response code. Timeouts, throttling, and server errors are transient;
// the remaining 4xx responses will not succeed on retry.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient(err)
	case status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
