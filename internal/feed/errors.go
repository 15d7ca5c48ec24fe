package feed

import "errors"

// Caller usage errors. Both are warnings at the call site, not faults: the
// dispatcher stays in a consistent state when they are returned.
var (
	// ErrAlreadyActive is returned by Monitor when a session is running.
	ErrAlreadyActive = errors.New("feed: monitoring session already active")
	// ErrNotActive is returned by Stop when no session is running.
	ErrNotActive = errors.New("feed: no monitoring session active")
)
