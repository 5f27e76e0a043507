package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage classifies every backend failure caught at the Store boundary.
	ErrStorage = errors.New("storage failure")

	// ErrEmptyKey is returned by backends for blank keys.
	ErrEmptyKey = errors.New("empty key")
)

// StorageError describes a failed backend operation. It is built for logging only and is
// never returned by Store methods.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", ErrStorage.Error(), e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
