package services

import (
	"errors"
	"fmt"

	"github.com/marketfair/settlements/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ValidationError reports a request that can never succeed as given: missing
// or malformed fields, or a credit_intent_id that resolves to no ledger entry.
type ValidationError struct {
	Reason  string
	Context map[string]string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ConflictError reports an illegal state transition or an idempotent replay
// that cannot be honored. The request was well-formed; the current state
// forbids it.
type ConflictError struct {
	Reason  string
	Context map[string]string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// invalidTransition builds the ConflictError for a disallowed status move,
// naming both states.
func invalidTransition(from, to models.PaymentIntentStatus) *ConflictError {
	return &ConflictError{
		Reason: fmt.Sprintf("invalid transition from %q to %q", from, to),
		Context: map[string]string{
			"from": string(from),
			"to":   string(to),
		},
	}
}

// PersistenceError reports a store failure. It is never retried internally;
// retry ownership belongs to the caller, using the same idempotency inputs.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ExternalProviderError reports a failed call to the payment provider.
type ExternalProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("provider %s failed during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ExternalProviderError) Unwrap() error {
	return e.Err
}
