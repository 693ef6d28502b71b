package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates mutually inconsistent command input, e.g. the
	// same permission listed as both grant and revoke.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed command input.
	ErrValidation = errors.New("validation failed")
)
