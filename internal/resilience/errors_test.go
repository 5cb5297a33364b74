package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsValidation(t *testing.T) {
	err := NewValidationError(errors.New("unknown signal kind"))
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("ingest: %w", err)))
	assert.False(t, IsValidation(errors.New("boom")))
	assert.False(t, IsValidation(nil))
}

func TestIsPolicyViolation(t *testing.T) {
	err := NewPolicyViolationError(errors.New("ceiling below locked tier"))
	assert.True(t, IsPolicyViolation(err))
	assert.True(t, IsPolicyViolation(fmt.Errorf("registry: %w", err)))
	assert.False(t, IsPolicyViolation(errors.New("boom")))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(NewConflictError(errors.New("lost race"))))

	// Postgres serialization failure and deadlock SQLSTATEs.
	assert.True(t, IsConflict(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsConflict(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsConflict(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))

	// Wrapped driver errors are still recognized.
	wrapped := eris.Wrap(&pgconn.PgError{Code: "40001"}, "store: ingest signal")
	assert.True(t, IsConflict(wrapped))

	// SQLite busy.
	assert.True(t, IsConflict(errors.New("database is locked (5) (SQLITE_BUSY)")))

	assert.False(t, IsConflict(nil))
	assert.False(t, IsConflict(errors.New("boom")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewUnavailableError(errors.New("store down"))))
	assert.True(t, IsTransient(NewConflictError(errors.New("lost race"))))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"})) // connection_failure
	assert.True(t, IsTransient(&pgconn.PgError{Code: "57P01"})) // admin_shutdown
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("write: broken pipe")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(NewValidationError(errors.New("bad input"))))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"})) // unique_violation
}
