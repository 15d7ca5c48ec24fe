package storage

import "errors"

var (
	// ErrNoActiveRun is returned when an update targets a run that is not
	// currently open.
	ErrNoActiveRun = errors.New("storage: no active run")
	// ErrRunNotFound is returned when the requested run ID is unknown.
	ErrRunNotFound = errors.New("storage: run not found")
)
