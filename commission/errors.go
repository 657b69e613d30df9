/*
errors.go - Centralized error types for the engine

ERROR CATEGORIES:
  1. Input validation - rejected synchronously to the caller (InvalidReason)
  2. Ledger state    - missing or already-mutated records
  3. Reconciliation  - carryforward math cannot proceed, manual fix required

RETRY SEMANTICS:
  Business-rule errors are never retried automatically. Duplicate events are
  not errors at all: the idempotency ledger drops them with a log line.
  Transient store failures surface as-is and are retried by the messaging
  layer's redelivery.
*/
package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidReason is returned when a manual exclusion/inclusion reason
	// is shorter than MinReasonLength characters.
	ErrInvalidReason = errors.New("invalid reason: audit reason too short")

	// ErrLineNotFound is returned when a referenced commission line does not exist.
	ErrLineNotFound = errors.New("commission line not found")

	// ErrLineNotExcluded is returned when include targets a line that is not excluded.
	ErrLineNotExcluded = errors.New("line is not excluded")

	// ErrLineAlreadyExcluded is returned when exclude targets an excluded line.
	ErrLineAlreadyExcluded = errors.New("line is already excluded")

	// ErrInstanceNotFound is returned when a recurrence instance does not exist.
	ErrInstanceNotFound = errors.New("recurrence instance not found")

	// ErrInvalidTransition is returned on a recurrence state change the
	// machine does not allow (e.g. resuming a cancelled instance).
	ErrInvalidTransition = errors.New("invalid recurrence state transition")

	// ErrInsufficientOffsetData is returned when carryforward math cannot
	// proceed because prior ledger state is missing. Fatal: requires manual
	// reconciliation, never auto-corrected.
	ErrInsufficientOffsetData = errors.New("insufficient offset data")

	// ErrDuplicateLine is returned when a ledger append reuses an
	// idempotency key. Expected under at-least-once delivery.
	ErrDuplicateLine = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InvalidReasonError carries the rejected reason's length.
type InvalidReasonError struct {
	Length int
}

func (e *InvalidReasonError) Error() string {
	return fmt.Sprintf("invalid reason: %d characters, need at least %d", e.Length, MinReasonLength)
}

func (e *InvalidReasonError) Unwrap() error { return ErrInvalidReason }

// TransitionError reports a rejected recurrence state change.
type TransitionError struct {
	Instance InstanceID
	From     InstanceStatus
	To       InstanceStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: cannot transition %s -> %s", e.Instance, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OffsetDataError reports an inconsistent carryforward encountered mid-offset.
type OffsetDataError struct {
	Carryforward CarryforwardID
	Remaining    decimal.Decimal
	Detail       string
}

func (e *OffsetDataError) Error() string {
	return fmt.Sprintf("carryforward %s: %s (remaining %s)", e.Carryforward, e.Detail, e.Remaining)
}

func (e *OffsetDataError) Unwrap() error { return ErrInsufficientOffsetData }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrLineAlreadyExcluded) ||
		errors.Is(err, ErrLineNotExcluded) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrInstanceNotFound)
}
