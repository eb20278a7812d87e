/*
errors.go - Error taxonomy for the engine

PURPOSE:
  All error kinds in one place. Components return these sentinels (or
  structured errors that unwrap to them) and the HTTP layer maps them to
  status codes. Nothing is swallowed: every failure reaches the caller.

ERROR CATEGORIES:
  1. Authentication / isolation - never retried, 401/403 class
  2. Entitlement - tenant not allowed to mutate, 402
  3. Business rules - balance, transitions, validation
  4. Concurrency - ErrConcurrentModification (caller retries),
                   ErrConflict (engine retries internally)

USAGE:
  if errors.Is(err, leave.ErrInsufficientBalance) { ... }

  var denied *leave.DeniedError
  if errors.As(err, &denied) { log(denied.Reason) }
*/
package leave

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthenticated: credential absent, malformed, expired or unknown.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTenantMismatch: the credential names a user outside the asserted tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrCrossTenant: the resource belongs to another tenant than the caller.
	ErrCrossTenant = errors.New("cross-tenant access denied")

	// ErrInsufficientRole: the caller's role does not allow the action.
	ErrInsufficientRole = errors.New("insufficient role")

	// ErrTrialExpired: the tenant's trial has ended.
	ErrTrialExpired = errors.New("trial expired")

	// ErrSubscriptionInactive: the tenant has no active subscription.
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// ErrInsufficientBalance: a reservation exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceExceeded: a submit failed because the reservation did not fit.
	ErrBalanceExceeded = errors.New("balance exceeded")

	// ErrInvalidTransition: the request is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification: the request changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrConflict: a shared row (balance, per-user request set) changed during
	// the transaction. The engine re-runs the transaction on this error.
	ErrConflict = errors.New("storage conflict")

	// ErrNotFound: a referenced entity does not exist (within the tenant).
	ErrNotFound = errors.New("not found")

	// ErrValidation: malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrOverlap: the request overlaps another live request of the same user.
	ErrOverlap = errors.New("overlapping request")

	// ErrInvariant: a balance mutation would break accrued >= consumed + pending >= 0.
	ErrInvariant = errors.New("balance invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DeniedError is an access-policy deny.
type DeniedError struct {
	Action string
	Reason string // "CrossTenant" or "InsufficientRole"
	Rule   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s (%s, rule %s)", e.Action, e.Reason, e.Rule)
}

func (e *DeniedError) Unwrap() error {
	if e.Reason == "CrossTenant" {
		return ErrCrossTenant
	}
	return ErrInsufficientRole
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       BalanceKey
	Available Units
	Requested Units
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.Key, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// BalanceExceededError is what Submit returns when the reservation failed.
// It matches both ErrBalanceExceeded and the underlying ErrInsufficientBalance.
type BalanceExceededError struct {
	RequestID string
	Cause     *InsufficientBalanceError
}

func (e *BalanceExceededError) Error() string {
	return fmt.Sprintf("request %s: %v", e.RequestID, e.Cause)
}

func (e *BalanceExceededError) Unwrap() []error {
	return []error{ErrBalanceExceeded, e.Cause}
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	RequestID string
	From      Status
	Op        string
	Detail    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s request %s in status %s", e.Op, e.RequestID, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InvariantError carries the balance that would have broken the invariant.
type InvariantError struct {
	Balance Balance
}

func (e *InvariantError) Error() string {
	b := e.Balance
	return fmt.Sprintf("balance invariant violated for %s: accrued %s, consumed %s, pending %s",
		b.Key, b.Accrued, b.Consumed, b.Pending)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may re-read and re-attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsAuthError returns true for authentication, isolation and role failures.
// These are terminal for the request.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTenantMismatch) ||
		errors.Is(err, ErrCrossTenant) ||
		errors.Is(err, ErrInsufficientRole)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOverlap) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTrialExpired) ||
		errors.Is(err, ErrSubscriptionInactive)
}
