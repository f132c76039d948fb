package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyFinalized is returned when writing to a log that already
	// holds its terminal event.
	ErrAlreadyFinalized = errors.New("storage: log already finalized")

	// ErrConflict is returned when creating a log, instance or trigger
	// whose id is taken.
	ErrConflict = errors.New("storage: id already exists")
)
