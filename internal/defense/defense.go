// Package defense implements the authentication defense state machine.
// Each source IP moves from clean through counted failures to the
// configured escalation outcome, up to an irreversible database wipe.
// Failure and block state is persisted, so policy survives restarts.
package defense

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/store"
)

// Mode is the configured escalation outcome applied when an IP reaches
// the failure threshold.
type Mode string

const (
	// ModeIPTemp blocks the IP for the configured window.
	ModeIPTemp Mode = "ip_temp"
	// ModeIPPerm blocks the IP with no expiry.
	ModeIPPerm Mode = "ip_perm"
	// ModeDBWipe irreversibly erases all encrypted storage.
	ModeDBWipe Mode = "db_wipe"
	// ModeDBWipeShutdown wipes, then terminates the process.
	ModeDBWipeShutdown Mode = "db_wipe_shutdown"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeIPTemp, ModeIPPerm, ModeDBWipe, ModeDBWipeShutdown:
		return true
	}
	return false
}

const (
	reasonThreshold = "auth_failure_threshold"
	reasonPanic     = "panic_mode"
)

// Policy is the deployment-time defense configuration.
type Policy struct {
	// MaxFailures is the consecutive-failure threshold per IP.
	MaxFailures int

	// Mode is the escalation applied at the threshold.
	Mode Mode

	// BlockWindow is the duration of a temporary block.
	BlockWindow time.Duration

	// PanicMode makes any single failure, regardless of count, trigger
	// an immediate wipe and shutdown. This is a deliberate destructive
	// security feature, not an error condition.
	PanicMode bool
}

// Wiper erases all encrypted storage. Implemented by the store.
type Wiper interface {
	Wipe() error
}

// StateMachine tracks per-IP authentication failures and escalates per
// policy.
type StateMachine struct {
	policy Policy
	store  *store.Store
	wiper  Wiper

	// terminate ends the process after a wipe-and-shutdown outcome.
	// Injectable for tests; defaults to an immediate exit with no
	// graceful shutdown.
	terminate func()

	// now is the clock, injectable for expiry tests.
	now func() time.Time
}

// New creates a defense state machine over the persisted tables.
func New(policy Policy, st *store.Store, wiper Wiper) *StateMachine {
	return &StateMachine{
		policy:    policy,
		store:     st,
		wiper:     wiper,
		terminate: func() { os.Exit(1) },
		now:       time.Now,
	}
}

// BlockStatus describes whether an IP is currently blocked.
type BlockStatus struct {
	Blocked   bool
	Permanent bool
	ExpiresAt *time.Time
}

// CheckBlocked reports the block state for an IP. This is the cheap
// check that runs before any credential comparison is attempted.
// Expired temporary blocks clear lazily here, by timestamp comparison
// rather than active timers.
func (sm *StateMachine) CheckBlocked(ip string) (BlockStatus, error) {
	block, err := sm.store.GetBlock(ip)
	if err != nil {
		return BlockStatus{}, err
	}
	if block == nil {
		return BlockStatus{}, nil
	}

	if block.ExpiresAt == nil {
		return BlockStatus{Blocked: true, Permanent: true}, nil
	}

	if block.ExpiresAt.After(sm.now()) {
		return BlockStatus{Blocked: true, ExpiresAt: block.ExpiresAt}, nil
	}

	// Temporary block has run out; remove it and evaluate normally.
	if err := sm.store.DeleteBlock(ip); err != nil {
		return BlockStatus{}, err
	}
	return BlockStatus{}, nil
}

// RecordFailure registers one authentication failure for an IP and
// returns the remaining attempts before the policy triggers. Reaching
// the threshold applies the policy inside this call. Under panic mode a
// single failure wipes and shuts down immediately.
func (sm *StateMachine) RecordFailure(ip string) (int, error) {
	if sm.policy.PanicMode {
		log.Warn().Str("ip", ip).Msg("Auth failure under panic mode")
		sm.wipe(reasonPanic)
		sm.terminate()
		return 0, nil
	}

	count, err := sm.store.IncrementFailure(ip, sm.now())
	if err != nil {
		return 0, err
	}

	remaining := sm.policy.MaxFailures - count
	log.Warn().
		Str("ip", ip).
		Int("failures", count).
		Int("remaining", remaining).
		Msg("Authentication failure recorded")

	if remaining <= 0 {
		if err := sm.triggerPolicy(ip); err != nil {
			return 0, err
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetFailures clears the failure count after a successful
// authentication.
func (sm *StateMachine) ResetFailures(ip string) error {
	return sm.store.ResetFailures(ip)
}

// triggerPolicy applies the configured escalation for an IP that has
// reached the threshold.
func (sm *StateMachine) triggerPolicy(ip string) error {
	switch sm.policy.Mode {
	case ModeIPTemp:
		expires := sm.now().Add(sm.policy.BlockWindow)
		if err := sm.store.UpsertBlock(ip, sm.now(), &expires, reasonThreshold); err != nil {
			return err
		}
		if err := sm.store.ResetFailures(ip); err != nil {
			return err
		}
		log.Warn().Str("ip", ip).Time("expires_at", expires).Msg("IP temporarily blocked")

	case ModeIPPerm:
		if err := sm.store.UpsertBlock(ip, sm.now(), nil, reasonThreshold); err != nil {
			return err
		}
		if err := sm.store.ResetFailures(ip); err != nil {
			return err
		}
		log.Warn().Str("ip", ip).Msg("IP permanently blocked")

	case ModeDBWipe:
		sm.wipe(reasonThreshold)

	case ModeDBWipeShutdown:
		sm.wipe(reasonThreshold)
		sm.terminate()

	default:
		return fmt.Errorf("unrecognized failure mode %q", sm.policy.Mode)
	}
	return nil
}

// wipe erases all encrypted storage. The outcome is logged before
// execution so the operator sees why the data is gone.
func (sm *StateMachine) wipe(reason string) {
	log.Error().Str("reason", reason).Msg("DEFENSE TRIGGERED: wiping all stored data")
	if err := sm.wiper.Wipe(); err != nil {
		log.Error().Err(err).Msg("Database wipe failed")
	}
}
