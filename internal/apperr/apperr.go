// Package apperr defines the error taxonomy shared by the ledger, order and
// withdrawal packages. Domain packages declare their own sentinels wrapping
// one of these kinds, so callers can branch with errors.Is on either.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStoreUnavailable  = errors.New("store unavailable")
	// ErrCommitUnknown means the commit was sent but its acknowledgement was
	// lost: the unit of work may or may not have been applied.
	ErrCommitUnknown = errors.New("commit outcome unknown")
)

var kinds = []error{
	ErrNotFound,
	ErrForbidden,
	ErrInvalidState,
	ErrInvalidArgument,
	ErrInsufficientFunds,
	ErrStoreUnavailable,
	ErrCommitUnknown,
}

// Kind returns the taxonomy sentinel err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether the whole operation may be safely retried.
// ErrCommitUnknown is not: only an idempotent replay by the client may
// resolve it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// HTTPStatus maps an error to the status code transport layers respond with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrForbidden:
		return http.StatusForbidden
	case ErrInvalidState:
		return http.StatusConflict
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ErrStoreUnavailable, ErrCommitUnknown:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable error code used in JSON error bodies.
func Code(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrForbidden:
		return "forbidden"
	case ErrInvalidState:
		return "invalid_state"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrInsufficientFunds:
		return "insufficient_funds"
	case ErrStoreUnavailable:
		return "store_unavailable"
	case ErrCommitUnknown:
		return "commit_unknown"
	}
	return "internal_error"
}
