/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and read details with
  errors.As on the structured types.

ERROR CATEGORIES:
  1. Input errors - InvalidTermsError, InvalidEventError (caller must correct)
  2. Policy errors - PeriodClosedError (caller must pick another period)
  3. Invariant errors - ReconciliationError (a bug, reported, never retried)
  4. Store errors - not found, conflicts, lock contention

PROPAGATION:
  All of them are returned synchronously to the caller of Create/ApplyEvent.
  None is retried automatically except ErrConcurrentModification and
  ErrLockNotAcquired, which only mean another writer got there first.

USAGE:
    _, err := svc.ApplyEvent(ctx, id, event)
    var closed *allocation.PeriodClosedError
    if errors.As(err, &closed) {
        // ask the user to target closed.NextOpen instead
    }

SEE ALSO:
  - engine.go: Produces event and reconciliation errors
  - generator.go: Produces terms errors
*/
package allocation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTerms is returned when a schedule definition is malformed.
	ErrInvalidTerms = errors.New("invalid schedule terms")

	// ErrInvalidEvent is returned when an event payload is malformed or
	// targets a period outside the mutable range.
	ErrInvalidEvent = errors.New("invalid schedule event")

	// ErrPeriodClosed is returned when an event targets a CLOSED period.
	ErrPeriodClosed = errors.New("period is closed")

	// ErrReconciliation is returned when a recompute breaks an invariant.
	ErrReconciliation = errors.New("reconciliation failed")

	// ErrScheduleNotFound is returned when a schedule ID is unknown.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrScheduleExists is returned when creating a schedule twice.
	ErrScheduleExists = errors.New("schedule already exists")

	// ErrConcurrentModification is returned when another writer appended an
	// event with the same ID first.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockNotAcquired is returned when the per-schedule lock is held elsewhere.
	ErrLockNotAcquired = errors.New("schedule lock not acquired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTermsError names the offending terms field.
type InvalidTermsError struct {
	Field  string
	Reason string
}

func (e *InvalidTermsError) Error() string {
	return fmt.Sprintf("invalid terms: %s: %s", e.Field, e.Reason)
}

func (e *InvalidTermsError) Unwrap() error { return ErrInvalidTerms }

func invalidTerms(field, format string, args ...any) error {
	return &InvalidTermsError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidEventError names the offending event field or period.
type InvalidEventError struct {
	EventType EventType
	Period    PeriodID
	Field     string
	Reason    string
}

func (e *InvalidEventError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s event at %s: %s: %s", e.EventType, e.Period, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event at %s: %s", e.EventType, e.Period, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }

func invalidEvent(ev ScheduleEvent, field, format string, args ...any) error {
	return &InvalidEventError{
		EventType: ev.Type(),
		Period:    ev.EffectivePeriod,
		Field:     field,
		Reason:    fmt.Sprintf(format, args...),
	}
}

// PeriodClosedError reports the closed period and the first open one after
// it, if any. The engine never forwards the event there on its own.
type PeriodClosedError struct {
	ScheduleID ScheduleID
	Period     PeriodID
	NextOpen   PeriodID
}

func (e *PeriodClosedError) Error() string {
	if e.NextOpen != "" {
		return fmt.Sprintf("period %s of schedule %s is closed (next open period: %s)", e.Period, e.ScheduleID, e.NextOpen)
	}
	return fmt.Sprintf("period %s of schedule %s is closed", e.Period, e.ScheduleID)
}

func (e *PeriodClosedError) Unwrap() error { return ErrPeriodClosed }

// ReconciliationError is an internal invariant violation detected after a
// recompute. The prior projection is kept.
type ReconciliationError struct {
	ScheduleID ScheduleID
	Check      string // e.g. "total_reporting", "closed_immutable", "period_order"
	Period     PeriodID
	Expected   decimal.Decimal
	Actual     decimal.Decimal
}

func (e *ReconciliationError) Error() string {
	if e.Period != "" {
		return fmt.Sprintf("reconciliation failed for %s: %s at %s (expected %s, got %s)",
			e.ScheduleID, e.Check, e.Period, e.Expected, e.Actual)
	}
	return fmt.Sprintf("reconciliation failed for %s: %s (expected %s, got %s)",
		e.ScheduleID, e.Check, e.Expected, e.Actual)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTerms) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrPeriodClosed) ||
		errors.Is(err, ErrScheduleExists)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotAcquired)
}

// IsNotFound returns true if the error indicates a missing schedule.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}
