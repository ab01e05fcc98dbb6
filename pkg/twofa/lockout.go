package twofa

import "time"

const (
	// DefaultMaxFailedAttempts is how many consecutive failed verifications
	// are allowed before the configuration locks.
	DefaultMaxFailedAttempts = 5

	// DefaultLockoutDuration is how long a locked configuration rejects
	// verification attempts.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy decides when repeated verification failures lock a
// configuration and for how long.
type LockoutPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		LockoutDuration:   DefaultLockoutDuration,
	}
}

// IsLocked reports whether the configuration is locked at the given time.
// Expired locks count as unlocked; the counter is only cleared by a
// successful verification.
func (p LockoutPolicy) IsLocked(c Config, now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// LockUntil returns the expiry a new lock started at now should carry.
func (p LockoutPolicy) LockUntil(now time.Time) time.Time {
	return now.Add(p.LockoutDuration)
}
