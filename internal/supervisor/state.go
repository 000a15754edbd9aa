package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Phase is the tag of a supervisor State.
type Phase string

const (
	// PhaseWaitingForConfig waits for the configuration file to exist.
	PhaseWaitingForConfig Phase = "waiting_for_config"
	// PhaseRunning runs one driver attempt in a child process.
	PhaseRunning Phase = "running"
	// PhaseAwaitingRetry waits for a changed configuration after a failure.
	PhaseAwaitingRetry Phase = "awaiting_retry"
	// PhaseSuccess is terminal: an attempt exited cleanly.
	PhaseSuccess Phase = "success"
	// PhaseFatal is terminal: the run cannot continue.
	PhaseFatal Phase = "fatal"
)

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFatal
}

// Attempt is the bookkeeping of the current launch. A new Attempt is created
// at every launch; FirstFailure is carried over for the whole failure
// episode so that the retry budget is cumulative.
type Attempt struct {
	// Number counts launches, starting at 1. Zero before the first launch.
	Number int

	// Start is when the attempt was launched.
	Start time.Time

	// FirstFailure is when the current failure episode began. Zero while no
	// attempt has failed.
	FirstFailure time.Time

	// Config is the configuration text the attempt runs with.
	Config string
}

// State is the tagged supervisor state.
type State struct {
	Phase   Phase
	Attempt Attempt

	// Err is the terminal error in PhaseFatal, and the failure that caused
	// the wait in PhaseAwaitingRetry.
	Err error
}

// RetryElapsed returns the time spent in the current failure episode as of
// now, or 0 if nothing has failed.
func (s State) RetryElapsed(now time.Time) time.Duration {
	if s.Attempt.FirstFailure.IsZero() {
		return 0
	}
	return now.Sub(s.Attempt.FirstFailure)
}

// Digest returns a short, stable fingerprint of a configuration for logs.
func Digest(config string) string {
	if config == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(config))
	return hex.EncodeToString(sum[:])[:12]
}
