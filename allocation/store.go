/*
store.go - Persistence interface for schedules, events and projections

PURPOSE:
  Defines the interface between the engine and the database. The logical
  layout is three tables:

    schedules        one ScheduleTerms record per schedule
    schedule_events  append-only, keyed by (schedule_id, event_id)
    period_lines     cached projection, keyed by (schedule_id, period)

APPEND-ONLY CONTRACT:
  Events are only ever appended. There is no update or delete for
  schedule_events. period_lines is a materialized view: SaveProjection
  replaces it wholesale and it can always be rebuilt from the events.

EVENT IDS:
  AppendEvent must reject an event whose ID is not exactly last+1 for its
  schedule with ErrConcurrentModification. Two writers racing on the same
  schedule therefore cannot both succeed.

IMPLEMENTATIONS:
  - allocation/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)

SEE ALSO:
  - eventlog.go: Higher-level event log using Store
  - service.go: Transactional append + projection save
*/
package allocation

import (
	"context"
	"time"
)

// ScheduleRecord is the persisted master record of a schedule.
type ScheduleRecord struct {
	ID        ScheduleID
	Terms     ScheduleTerms
	CreatedAt time.Time
	CreatedBy string
}

// StoredProjection is the cached projection and the last event folded into it.
type StoredProjection struct {
	ScheduleID ScheduleID
	Through    EventID
	Lines      []PeriodLine
	UpdatedAt  time.Time
}

// Store handles persistence of schedules.
// IMPORTANT: events are APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// CreateSchedule persists the terms. Returns ErrScheduleExists on duplicates.
	CreateSchedule(ctx context.Context, rec ScheduleRecord) error

	// LoadSchedule returns ErrScheduleNotFound for unknown IDs.
	LoadSchedule(ctx context.Context, id ScheduleID) (ScheduleRecord, error)

	// ListSchedules returns all schedule IDs in creation order.
	ListSchedules(ctx context.Context) ([]ScheduleID, error)

	// AppendEvent persists one event. The ONLY write to the event log.
	AppendEvent(ctx context.Context, ev ScheduleEvent) error

	// LoadEvents returns events with ID > after, in ID order.
	// limit <= 0 means no limit.
	LoadEvents(ctx context.Context, id ScheduleID, after EventID, limit int) ([]ScheduleEvent, error)

	// LastEventID returns 0 for a schedule with no events.
	LastEventID(ctx context.Context, id ScheduleID) (EventID, error)

	// SaveProjection replaces the cached projection.
	SaveProjection(ctx context.Context, p StoredProjection) error

	// LoadProjection returns ErrScheduleNotFound when nothing is cached.
	LoadProjection(ctx context.Context, id ScheduleID) (StoredProjection, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Append + projection save as one unit
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
