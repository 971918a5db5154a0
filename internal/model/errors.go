package model

import "errors"

var (
	// ErrNotFound is returned when a transition targets a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrForbiddenTransition is returned when the acting role may not
	// perform the requested transition.
	ErrForbiddenTransition = errors.New("forbidden transition")
	// ErrInvalidTransition is returned when the entity's current state does
	// not allow the requested transition.
	ErrInvalidTransition = errors.New("invalid transition")
)
