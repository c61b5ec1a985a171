package sampler

import "errors"

var (
	// ErrMotionTimeout is returned when the stage does not verify at the
	// target within the motion budget. Retried with backoff before
	// escalating to the error state.
	ErrMotionTimeout = errors.New("motion verification timeout")

	// ErrCommunication is a transport-level I/O failure from either
	// hardware collaborator, surfaced after the internal retry budget is
	// exhausted.
	ErrCommunication = errors.New("hardware communication failure")

	// ErrBadState is returned for commands issued in a state that does not
	// permit them, e.g. resuming a sequence that is not paused.
	ErrBadState = errors.New("command not valid in current state")

	// ErrEmptySequence is returned when an acquisition is started without
	// any calibrated positions.
	ErrEmptySequence = errors.New("empty position sequence")
)
