package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrNotFound indicates the record does not exist in the store.
	ErrNotFound = errors.New("record not found")
	// ErrTransientIO indicates a hiccup worth retrying on the next tick.
	ErrTransientIO = errors.New("transient store failure")
	// ErrPermission indicates the store rejected the operation.
	ErrPermission = errors.New("permission denied")
	// ErrStaleState indicates the cached view disagreed with an authoritative read.
	ErrStaleState = errors.New("cached state is stale")
	// ErrInvalidField indicates a malformed field path or value.
	ErrInvalidField = errors.New("invalid field")
	// ErrReadOnly indicates the store was opened without write access.
	ErrReadOnly = errors.New("store is in read-only mode")
)

// StoreError records the operation and record a store failure belongs to.
type StoreError struct {
	Op       string
	RecordID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// IsPermission reports whether err is a store rejection.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrReadOnly)
}
