package keygate

// LockoutPolicy is the failed-attempt state machine. An identity is
// Unlocked(n) for n below Threshold and Locked from Threshold on.
// There is no time-based unlock: leaving Locked requires a successful
// administrative unlock. Counter increments happen atomically at the
// credential store; the policy only interprets the resulting value.
type LockoutPolicy struct {
	Threshold int
}

// LockedAfter reports whether an identity is locked once its
// failed-attempt counter reaches attempts.
func (p LockoutPolicy) LockedAfter(attempts int) bool {
	return attempts >= p.Threshold
}

// RemainingAttempts returns how many more failures the identity can
// absorb before locking, never negative.
func (p LockoutPolicy) RemainingAttempts(attempts int) int {
	if attempts >= p.Threshold {
		return 0
	}
	return p.Threshold - attempts
}
