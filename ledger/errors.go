/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels; the
  structured errors carry the details a form or a log line needs.

ERROR CATEGORIES:
  1. Validation errors - recoverable, reported to the caller verbatim
     (insufficient quantity, not convertible, already converted, not found,
     duplicate event, invalid event)
  2. Consistency errors - an invariant was violated despite validation
     (corrupt ledger). Fatal for that tool's operations.
  3. Coordination errors - the per-tool section could not be acquired in time

SEE ALSO:
  - aggregate.go: produces CorruptLedgerError
  - guard.go: produces ErrGuardBusy
  - conversion.go: produces the conversion validation errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned when an event shares its ID, or its
	// (tool, reference, date), with an event already in the log.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInsufficientQuantity is returned when an exit removes more than is held.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrNotConvertible is returned when the conversion source is not an entry
	// or its reference does not carry the provisional prefix.
	ErrNotConvertible = errors.New("event is not convertible")

	// ErrAlreadyConverted is returned when an entry was already the target of
	// a conversion.
	ErrAlreadyConverted = errors.New("event already converted")

	// ErrEventNotFound is returned when a referenced event is not in the tool's history.
	ErrEventNotFound = errors.New("event not found")

	// ErrToolNotFound is returned when a tool has no history.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolExists is returned when creating a tool that already has history.
	ErrToolExists = errors.New("tool already exists")

	// ErrPredatesFounding is returned for an entry dated before the founding
	// entry, which would otherwise change the tool's original quantity.
	ErrPredatesFounding = errors.New("entry predates founding entry")

	// ErrInvalidEvent is returned when an event fails schema validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrCorruptLedger is returned when folding a history yields a negative
	// running quantity.
	ErrCorruptLedger = errors.New("corrupt ledger")

	// ErrGuardBusy is returned when the per-tool section could not be acquired
	// before the context ended. Safe to retry.
	ErrGuardBusy = errors.New("tool is busy")

	// ErrSectionClosed is returned when a Section is used after its function returned.
	ErrSectionClosed = errors.New("exclusive section closed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientQuantityError provides details about a quantity shortage.
type InsufficientQuantityError struct {
	ToolID    ToolID
	Available int64
	Requested int64
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for tool %s: available %d, requested %d",
		e.ToolID, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error {
	return ErrInsufficientQuantity
}

// DuplicateEventError names the event already holding the identity.
type DuplicateEventError struct {
	EventID    EventID
	ExistingID EventID
	ByDocument bool // true when the collision is on (reference, date)
}

func (e *DuplicateEventError) Error() string {
	if e.ByDocument {
		return fmt.Sprintf("duplicate event %s: same reference and date as %s", e.EventID, e.ExistingID)
	}
	return fmt.Sprintf("duplicate event id %s", e.EventID)
}

func (e *DuplicateEventError) Unwrap() error {
	return ErrDuplicateEvent
}

// CorruptLedgerError pinpoints where a fold went negative.
type CorruptLedgerError struct {
	ToolID   ToolID
	EventID  EventID
	Balance  int64
	Overflow bool // total entered would pass math.MaxInt64 at EventID
}

func (e *CorruptLedgerError) Error() string {
	if e.Overflow {
		return fmt.Sprintf("corrupt ledger for tool %s: quantity overflows at event %s", e.ToolID, e.EventID)
	}
	return fmt.Sprintf("corrupt ledger for tool %s: balance %d after event %s",
		e.ToolID, e.Balance, e.EventID)
}

func (e *CorruptLedgerError) Unwrap() error {
	return ErrCorruptLedger
}

// ConversionError wraps a conversion validation failure with its source event.
type ConversionError struct {
	SourceEventID EventID
	Err           error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.SourceEventID, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGuardBusy)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrNotConvertible) ||
		errors.Is(err, ErrAlreadyConverted) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrToolExists) ||
		errors.Is(err, ErrPredatesFounding) ||
		errors.Is(err, ErrInvalidEvent)
}

// IsNotFound returns true if the error indicates a missing tool or event.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsConsistencyError returns true for invariant violations that must be
// surfaced loudly rather than patched.
func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrCorruptLedger)
}
