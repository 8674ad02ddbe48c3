package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy converts requested lease durations into the whole-second
// values the job store persists. A zero request falls back to the configured
// default; sub-second and negative requests are clamped to one second so a
// claimed job always holds a live lease.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision is the normalized outcome of a lease request.
type LeaseDecision struct {
	Seconds   int
	Requested time.Duration
	defaulted bool
	clamped   bool
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool { return d.defaulted }

// Clamped reports whether the requested duration was adjusted to stay within
// the supported range.
func (d LeaseDecision) Clamped() bool { return d.clamped }

// Resolve normalizes the requested duration to a whole number of seconds.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.defaulted = true
		return decision
	}

	effective := request
	if request == 0 {
		effective = p.defaultLease
		decision.defaulted = true
	}

	seconds := int64(effective / time.Second)
	if seconds < 1 {
		seconds = 1
		if !decision.defaulted {
			decision.clamped = true
		}
	}
	// Lease seconds travel through int SQL parameters.
	if seconds > math.MaxInt32 {
		seconds = math.MaxInt32
		decision.clamped = true
	}

	decision.Seconds = int(seconds)
	return decision
}
