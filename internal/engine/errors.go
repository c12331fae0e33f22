package engine

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure mode in the engine is a typed return value;
// nothing here crashes the process.
var (
	// ErrInvalidConfiguration rejects a bad session setup before any state
	// is created.
	ErrInvalidConfiguration = errors.New("invalid session configuration")

	// ErrInvalidSessionState rejects an operation not valid in the session's
	// current state. Local to the call; never terminates the session.
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrSessionNotFound is returned when a session ID is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCollaboratorUnavailable is returned when the ground-truth source is
	// unreachable at start; the session never becomes running.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrNoFlushPending is returned by RetryFlush when the session has no
	// failed flush outstanding.
	ErrNoFlushPending = errors.New("no flush pending")
)

// AmbiguityError reports an internal invariant violation in the correlator:
// an annotation was selected that is already claimed. Treated as a bug, not a
// fatal condition — the conflicting detection is marked FP and the session
// continues.
type AmbiguityError struct {
	GroundTruthID string
	DetectionID   string
	ClaimedBy     string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("correlation ambiguity: ground truth %s already claimed by %s, re-selected for %s",
		e.GroundTruthID, e.ClaimedBy, e.DetectionID)
}

// PersistError wraps a failed persistence flush. The session stays registered
// and queryable in a failed-pending-retry holding state until RetryFlush
// succeeds.
type PersistError struct {
	SessionID string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist session %s: %v", e.SessionID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func stateError(op string, s State) error {
	return fmt.Errorf("%w: cannot %s in state %q", ErrInvalidSessionState, op, s)
}
