package health

import "errors"

var (
	// ErrCheckTimeout is the error of a check that did not finish in time.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned for an unknown checker name.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
