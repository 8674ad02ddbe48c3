package data

import "time"

// TimeProvider supplies the repository clock. Claim eligibility, lease
// expiry, and retention cutoffs all read it, so tests can drive the queue
// through time without sleeping.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider reads the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}
