// Package limiter implements the failed-attempt lockout policy and the
// per-address throttle that sits in front of login.
package limiter

import (
	"context"
	"time"

	"github.com/and161185/clinauth/internal/model"
)

// Limiter records login outcomes against a principal.
type Limiter interface {
	// Failure records a wrong-secret attempt and returns the new counter value and,
	// when the threshold is reached, the lock-expiry now in force.
	Failure(ctx context.Context, ref model.PrincipalRef, now time.Time) (int, *time.Time, error)
	// Success resets the counter and clears any lock-expiry.
	Success(ctx context.Context, ref model.PrincipalRef) error
}

// Policy is the lockout threshold.
type Policy struct {
	MaxFailures int
	LockFor     time.Duration
}

// Next computes the counter and lock-expiry after one more failure, given the
// current row state. A lock that has already expired starts a fresh count.
func (p Policy) Next(failed int, lockedUntil *time.Time, now time.Time) (int, *time.Time) {
	if lockedUntil != nil && !lockedUntil.After(now) {
		failed = 0
		lockedUntil = nil
	}
	failed++
	if failed >= p.MaxFailures {
		until := now.Add(p.LockFor)
		return failed, &until
	}
	return failed, lockedUntil
}
