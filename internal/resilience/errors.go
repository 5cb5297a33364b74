// Package resilience defines the engine's error taxonomy and retry helper.
//
// Four classes cover every failure the engine surfaces: validation (caller
// bug, never retried), policy violation (management API rejected an
// inconsistent change), conflict (lost race on a subject's atomic update,
// retried transparently), and unavailable (transient infra failure, caller
// retries delivery).
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ValidationError marks a malformed request: unknown signal kind, unknown
// action type, missing subject fields. Never partially applied, never
// retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps an error as a validation failure.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Err: err}
}

// IsValidation reports whether the error chain contains a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PolicyViolationError marks a ceiling/override change that would create an
// inconsistent state. Rejected at the management API, never silently
// coerced.
type PolicyViolationError struct {
	Err error
}

func (e *PolicyViolationError) Error() string { return e.Err.Error() }
func (e *PolicyViolationError) Unwrap() error { return e.Err }

// NewPolicyViolationError wraps an error as a policy violation.
func NewPolicyViolationError(err error) *PolicyViolationError {
	return &PolicyViolationError{Err: err}
}

// IsPolicyViolation reports whether the error chain contains a
// PolicyViolationError.
func IsPolicyViolation(err error) bool {
	var pe *PolicyViolationError
	return errors.As(err, &pe)
}

// ConflictError marks a lost race on a subject's serialized update. The
// store retries these transparently; callers never see them.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// NewConflictError wraps an error as a concurrency conflict.
func NewConflictError(err error) *ConflictError {
	return &ConflictError{Err: err}
}

// IsConflict reports whether the error is a concurrency conflict, either
// explicitly wrapped or recognizable from the driver: Postgres
// serialization/deadlock/lock-timeout SQLSTATEs, SQLite busy.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// UnavailableError marks a transient infrastructure failure. Ingestion
// fails closed and the producer retries delivery; the sweep skips the cycle
// and leaves last-known state authoritative.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string { return e.Err.Error() }
func (e *UnavailableError) Unwrap() error { return e.Err }

// NewUnavailableError wraps an error as a transient store failure.
func NewUnavailableError(err error) *UnavailableError {
	return &UnavailableError{Err: err}
}

// IsTransient reports whether the error is safe to retry: an explicit
// unavailable/conflict wrap, a Postgres connection-class SQLSTATE, or a
// network-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ue *UnavailableError
	if errors.As(err, &ue) {
		return true
	}
	if IsConflict(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (admin shutdown, crash shutdown).
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"connection refused",
		"conn closed",
		"pool closed",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
