package storage

import "errors"

var (
	// ErrInvalidConfig is returned when the engine is constructed
	// with invalid options.
	ErrInvalidConfig = errors.New("storage: invalid config")

	// ErrIO wraps every failure to open, seek, read or write a
	// run's backing file.
	ErrIO = errors.New("storage: i/o failure")

	// ErrKeyOrder is returned when a merge target receives a key
	// that is not strictly greater than the previous one.
	ErrKeyOrder = errors.New("storage: keys out of order")

	// ErrPatchUnsupported is returned when an in-place tombstone
	// patch is attempted on a run that combines values.
	ErrPatchUnsupported = errors.New("storage: tombstone patch not supported")
)
