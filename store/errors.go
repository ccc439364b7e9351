package store

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("revision conflict")
)
