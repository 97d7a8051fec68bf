package domain

import "errors"

// Transition and validation failures are returned to the caller
// synchronously and never retried by the engines themselves.
var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
)
