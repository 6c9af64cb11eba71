// Package storage holds what the account and message store implementations share.
package storage

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// ConflictError names the unique field that was already taken.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return e.Field + " already exists"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
