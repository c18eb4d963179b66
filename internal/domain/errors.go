package domain

import "errors"

var (
	// ErrValidation marks objects rejected at construction time.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks alert lifecycle transitions refused by current status.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrNotTriggering marks alert creation attempted from non-triggering evaluation.
	ErrNotTriggering = errors.New("evaluation does not trigger")
)
