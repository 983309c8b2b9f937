package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("materialization not found")
	ErrAlreadyExists      = errors.New("materialization already exists")
	ErrComputationTimeout = errors.New("computation timed out")
	ErrClosed             = errors.New("flow cache closed")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamQueryError wraps a relational store rejection during computation.
// Error() never includes query text.
type UpstreamQueryError struct {
	Key   CacheKey
	Stage string
	Err   error
}

func (e *UpstreamQueryError) Error() string {
	return fmt.Sprintf("upstream query failed (key=%s stage=%s): %v", e.Key, e.Stage, e.Err)
}

func (e *UpstreamQueryError) Unwrap() error { return e.Err }

// StorageError wraps a materialization store failure.
type StorageError struct {
	Op  string
	Key CacheKey
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s (key=%s): %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KeyConflictError is returned when a new zone name normalizes to a key
// already owned by a different canonical name.
type KeyConflictError struct {
	Key       CacheKey
	Requested string
	Canonical string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("zone name %q collides with existing zone %q (key=%s)", e.Requested, e.Canonical, e.Key)
}
