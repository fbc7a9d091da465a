// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version or status mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflict indicates the operation is not allowed in the entity's current state.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed or contradictory input.
	ErrValidation = errors.New("validation")

	// ErrExternalService indicates the HIE gateway was unreachable or refused the call.
	ErrExternalService = errors.New("external service")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a temporary lockout.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., artifact id reused).
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ExternalServiceError describes a failed gateway call.
type ExternalServiceError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("external service: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("external service: %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExternalService) hold for every ExternalServiceError.
func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }
