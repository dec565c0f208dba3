package keystore

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// PIN attempt throttle. A PIN has far less entropy than the 12-word
// passphrase, so the unlock path mirrors the server-side failure
// escalation locally: after MaxPINAttempts consecutive failures the
// keystore refuses verification for a lockout window, and the window
// doubles on each subsequent breach.
const (
	// MaxPINAttempts is the number of consecutive failures before a
	// lockout.
	MaxPINAttempts = 5

	// PINLockoutBase is the first lockout window.
	PINLockoutBase = 5 * time.Minute
)

// ErrPINLocked is returned while the throttle lockout is active.
type lockedError struct {
	until time.Time
}

func (e *lockedError) Error() string {
	return fmt.Sprintf("PIN verification locked until %s", e.until.Format(time.RFC3339))
}

// IsLocked reports whether err is a throttle lockout and, if so, when
// the lockout expires.
func IsLocked(err error) (time.Time, bool) {
	if le, ok := err.(*lockedError); ok {
		return le.until, true
	}
	return time.Time{}, false
}

type throttleState struct {
	Failures    int   `cbor:"failures"`
	LockedUntil int64 `cbor:"locked_until"`
	Lockouts    int   `cbor:"lockouts"`
}

// checkThrottle rejects verification while a lockout is active.
// Expired lockouts clear by timestamp comparison at check time. Caller
// must hold the lock.
func (ks *Keystore) checkThrottle() error {
	if ks.state.Throttle.LockedUntil == 0 {
		return nil
	}

	until := time.Unix(ks.state.Throttle.LockedUntil, 0)
	if ks.now().Before(until) {
		return &lockedError{until: until}
	}

	ks.state.Throttle.LockedUntil = 0
	return ks.save()
}

// recordPINFailure increments the failure count and starts a lockout at
// the threshold. Caller must hold the lock.
func (ks *Keystore) recordPINFailure() error {
	ks.state.Throttle.Failures++

	if ks.state.Throttle.Failures >= MaxPINAttempts {
		shift := ks.state.Throttle.Lockouts
		if shift > 6 {
			shift = 6
		}
		window := PINLockoutBase << shift
		ks.state.Throttle.LockedUntil = ks.now().Add(window).Unix()
		ks.state.Throttle.Failures = 0
		ks.state.Throttle.Lockouts++

		log.Warn().
			Dur("window", window).
			Int("lockouts", ks.state.Throttle.Lockouts).
			Msg("PIN attempt threshold reached, locking out")
	}

	return ks.save()
}

// resetThrottle clears all throttle state after a successful
// verification. Caller must hold the lock.
func (ks *Keystore) resetThrottle() error {
	if ks.state.Throttle == (throttleState{}) {
		return nil
	}
	ks.state.Throttle = throttleState{}
	return ks.save()
}
