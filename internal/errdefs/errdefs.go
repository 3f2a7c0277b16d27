// Package errdefs defines the typed error kinds shared across the session
// core and the predicates used to classify them at API and retry boundaries.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports malformed client input. Never retryable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validation builds a ValidationError for one field.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// AuthError rejects a credential. Forbidden distinguishes a project mismatch
// (the key is known but does not grant the target) from an unknown key.
type AuthError struct {
	Reason    string
	Forbidden bool
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// Unauthorized marks an unknown or malformed credential.
func Unauthorized(reason string) error { return &AuthError{Reason: reason} }

// Forbidden marks a credential that does not grant the target project.
func Forbidden(reason string) error { return &AuthError{Reason: reason, Forbidden: true} }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// ConcurrencyExceededError rejects a create while the project is at its cap.
// Retryable once another session releases.
type ConcurrencyExceededError struct {
	ProjectID string
	Limit     int
}

func (e *ConcurrencyExceededError) Error() string {
	return fmt.Sprintf("project %s at concurrency limit %d", e.ProjectID, e.Limit)
}

// ConflictError is the optimistic-concurrency loser. Callers may re-read and
// retry if the observed state still permits the intended transition.
type ConflictError struct {
	SessionID string
	Msg       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on session %s: %s", e.SessionID, e.Msg)
}

// ProvisioningTimeoutError reports that a session did not become ready
// within the start deadline. The record is terminal.
type ProvisioningTimeoutError struct {
	SessionID string
	Deadline  time.Duration
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("session %s not ready within %s", e.SessionID, e.Deadline)
}

// ProvisioningFailedError reports that a session failed before becoming
// ready. The record is terminal.
type ProvisioningFailedError struct {
	SessionID string
	Reason    string
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("session %s failed to provision: %s", e.SessionID, e.Reason)
}

// TransientError wraps an upstream failure worth retrying locally.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// FatalError marks a broken invariant. The invocation fails; the process
// stays up.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAuth reports whether err is an AuthError of either flavor.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsForbidden reports whether err is an AuthError for a project mismatch.
func IsForbidden(err error) bool {
	var target *AuthError
	return errors.As(err, &target) && target.Forbidden
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConcurrencyExceeded reports whether err is a ConcurrencyExceededError.
func IsConcurrencyExceeded(err error) bool {
	var target *ConcurrencyExceededError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsProvisioningTimeout reports whether err is a ProvisioningTimeoutError.
func IsProvisioningTimeout(err error) bool {
	var target *ProvisioningTimeoutError
	return errors.As(err, &target)
}

// IsProvisioningFailed reports whether err is a ProvisioningFailedError.
func IsProvisioningFailed(err error) bool {
	var target *ProvisioningFailedError
	return errors.As(err, &target)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}
