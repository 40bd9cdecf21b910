// Package apperr defines the error kinds shared by every PKB component.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation marks caller-fixable input errors. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotPaired is returned when an operation needs a paired device.
	ErrNotPaired = errors.New("device not paired")
	// ErrFilesystem marks local I/O failures.
	ErrFilesystem = errors.New("filesystem error")
	// ErrNetwork marks an unreachable node or remote.
	ErrNetwork = errors.New("network error")
	// ErrNotImplemented is returned by delegation operations that need a
	// signer-backed identity flow.
	ErrNotImplemented = errors.New("not implemented")
	// ErrInvalidOrExpiredToken is returned for unknown or stale pairing tokens.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired pairing token")
)

// ValidationError reports which input field was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Filesystem tags err as a filesystem failure. Nil stays nil.
func Filesystem(err error) error {
	if err == nil || errors.Is(err, ErrFilesystem) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFilesystem, err)
}

// Network tags err as a network failure. Nil stays nil.
func Network(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
