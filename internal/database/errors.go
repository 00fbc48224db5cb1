package database

import "errors"

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStateConflict is returned when a checked state transition is
	// attempted on a record that is no longer in the required state,
	// e.g. cancelling a scheduled message that was already sent.
	ErrStateConflict = errors.New("state conflict")
)
