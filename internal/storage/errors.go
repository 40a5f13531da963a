package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidInput is returned when a record fails basic validation.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// PersistenceError reports a failed write for one item of a batch.
type PersistenceError struct {
	Op  string
	Key RateKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
