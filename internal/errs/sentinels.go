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

	// ErrAlreadyExists indicates a unique constraint violation (e.g., account already opened).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidAmount indicates a non-positive or otherwise malformed amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageConflict indicates a transient serialization/lock conflict in the store.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrServiceUnavailable indicates the operation kept conflicting after bounded retries.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller's role does not permit the operation.
	ErrForbidden = errors.New("forbidden")
)

// InsufficientFundsError reports a debit exceeding the available total balance.
// It carries enough detail for the caller to render a "need N more points" message.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

// Shortfall returns how many points the account is missing.
func (e *InsufficientFundsError) Shortfall() int64 { return e.Required - e.Available }

// IsInsufficientFunds reports whether err wraps an InsufficientFundsError.
func IsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var ie *InsufficientFundsError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
