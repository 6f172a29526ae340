// Package fault defines the error taxonomy shared by the ledger and
// authority services. Callers classify failures with errors.Is against the
// sentinel values; the HTTP layer maps them onto wire codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks malformed input, rejected before any state change.
	ErrValidation = errors.New("VALIDATION_FAILED")
	// ErrUnauthorized marks a caller that is not the owner, an active
	// verifier, or a delegate with a matching capability. Checked first,
	// fail closed.
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrConflict marks duplicate ids, already-processed requests, and
	// already-paid submilestones. Duplicates are surfaced, never treated as
	// idempotent no-ops.
	ErrConflict = errors.New("CONFLICT")
	// ErrIntegrity marks a payout claim whose Merkle proof does not match
	// the committed milestone root.
	ErrIntegrity = errors.New("INTEGRITY_FAILED")
	// ErrExecution marks a custodian call that failed while a value-moving
	// step was in flight. The enclosing operation fails atomically.
	ErrExecution = errors.New("EXECUTION_FAILED")
)

func Validationf(format string, args ...any) error {
	return wrapf(ErrValidation, format, args...)
}

func Unauthorizedf(format string, args ...any) error {
	return wrapf(ErrUnauthorized, format, args...)
}

func Conflictf(format string, args ...any) error {
	return wrapf(ErrConflict, format, args...)
}

func Integrityf(format string, args ...any) error {
	return wrapf(ErrIntegrity, format, args...)
}

func Executionf(format string, args ...any) error {
	return wrapf(ErrExecution, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Code returns the wire error code for err, or INTERNAL for anything outside
// the taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrIntegrity):
		return "INTEGRITY_FAILED"
	case errors.Is(err, ErrExecution):
		return "EXECUTION_FAILED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus returns the status the taxonomy maps onto.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrExecution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
