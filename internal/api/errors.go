package api

import "errors"

// Error taxonomy shared by every networked operation. Callers check these
// with errors.Is; everything else wrapped around them is detail.
var (
	// ErrUnauthenticated means there is no valid credential. The request
	// is never sent in that case.
	ErrUnauthenticated = errors.New("no valid credential")

	// ErrUnreachable means the backend could not be reached at the
	// transport level.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrSessionInactive is the poll endpoint's terminal signal for a
	// session that is no longer active. It is an expected state
	// transition, not a failure.
	ErrSessionInactive = errors.New("session inactive")
)
