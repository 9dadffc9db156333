package storage

import "errors"

var (
	// ErrNotFound is returned when a row addressed by ID does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidInput is returned when a required field is empty.
	ErrInvalidInput = errors.New("storage: invalid input")
)
