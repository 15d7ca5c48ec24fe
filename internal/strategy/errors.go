package strategy

import "errors"

// ErrAlreadyStarted is returned when Start is called on a live run.
var ErrAlreadyStarted = errors.New("strategy: run already started")
