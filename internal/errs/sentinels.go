// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across engine/service layers.
var (
	// ErrSessionNotFound indicates the referenced collaboration session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserNotInSession indicates the user is not a member of the session.
	ErrUserNotInSession = errors.New("user not in session")

	// ErrPermissionDenied indicates the user's role lacks the required capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflictNotFound indicates an unknown or already-resolved conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrRateLimited indicates the user exceeded the change rate for an operation type.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates a malformed request value.
	ErrValidation = errors.New("validation failed")
)
