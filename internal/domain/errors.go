// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidState indicates an operation is illegal for the run's current status.
var ErrInvalidState = errors.New("invalid state for operation")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrSupervisor indicates the external agent process could not be started,
// suspended, resumed, or killed within the grace period.
var ErrSupervisor = errors.New("supervisor failure")

// ErrPersistence indicates the run store is unavailable.
var ErrPersistence = errors.New("persistence failure")
