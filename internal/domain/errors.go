package domain

import (
	"errors"
)

// Engine error taxonomy. Callers classify failures with errors.Is;
// everything crossing a package boundary wraps one of these.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lead, group, or config that does not exist
	// or lies outside the caller's tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent merge or an already-merged
	// source. Callers may retry with fresh state.
	ErrConflict = errors.New("conflict")

	// ErrTransientStore marks a persistence failure believed to be
	// transient. Detection paths swallow it and report no match;
	// merge paths surface it.
	ErrTransientStore = errors.New("transient store failure")
)
