/*
eventlog.go - Append-only schedule event log

PURPOSE:
  The event log is the source of truth for every schedule. The period
  projection is derived from it and can be regenerated at any time.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ORDERED: IDs are 1, 2, 3... per schedule, assigned at append
  3. DURABLE: Append returns only after the store accepted the event

CORRECTIONS:
  A mistaken event is never edited. Append a compensating event instead;
  both stay in the log and replay nets them out.

LISTSINCE:
  ListSince returns a lazy iterator. It pages through the store, so a
  schedule with thousands of events is not loaded at once, and it can be
  restarted from any ID:

    for ev, err := range log.ListSince(ctx, id, lastSeen) {
        if err != nil { ... }
        lastSeen = ev.ID
    }

SEE ALSO:
  - store.go: Low-level persistence interface
  - engine.go: Consumes events in this order
*/
package allocation

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// EventLog is the append-only per-schedule event log.
type EventLog interface {
	// Append validates the payload, assigns the next ID when ev.ID is zero,
	// and persists the event. Returns the stored event.
	Append(ctx context.Context, ev ScheduleEvent) (ScheduleEvent, error)

	// ListSince yields events with ID > after, in append order.
	ListSince(ctx context.Context, id ScheduleID, after EventID) iter.Seq2[ScheduleEvent, error]

	// LastEventID returns the ID of the last appended event, 0 if none.
	LastEventID(ctx context.Context, id ScheduleID) (EventID, error)
}

// DefaultPageSize is the number of events ListSince fetches per round trip.
const DefaultPageSize = 256

// =============================================================================
// DEFAULT EVENT LOG - Implementation using Store
// =============================================================================

type DefaultEventLog struct {
	Store    Store
	PageSize int
	Now      func() time.Time
}

func NewEventLog(store Store) *DefaultEventLog {
	return &DefaultEventLog{Store: store, PageSize: DefaultPageSize, Now: time.Now}
}

func (l *DefaultEventLog) Append(ctx context.Context, ev ScheduleEvent) (ScheduleEvent, error) {
	if err := ev.Validate(); err != nil {
		return ScheduleEvent{}, err
	}
	last, err := l.Store.LastEventID(ctx, ev.ScheduleID)
	if err != nil {
		return ScheduleEvent{}, err
	}
	switch {
	case ev.ID == 0:
		ev.ID = last + 1
	case ev.ID != last+1:
		return ScheduleEvent{}, fmt.Errorf("append event %d after %d: %w", ev.ID, last, ErrConcurrentModification)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	if err := l.Store.AppendEvent(ctx, ev); err != nil {
		return ScheduleEvent{}, err
	}
	return ev, nil
}

func (l *DefaultEventLog) ListSince(ctx context.Context, id ScheduleID, after EventID) iter.Seq2[ScheduleEvent, error] {
	return func(yield func(ScheduleEvent, error) bool) {
		size := l.PageSize
		if size <= 0 {
			size = DefaultPageSize
		}
		cursor := after
		for {
			page, err := l.Store.LoadEvents(ctx, id, cursor, size)
			if err != nil {
				yield(ScheduleEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
			}
			if len(page) < size {
				return
			}
		}
	}
}

func (l *DefaultEventLog) LastEventID(ctx context.Context, id ScheduleID) (EventID, error) {
	return l.Store.LastEventID(ctx, id)
}

func (l *DefaultEventLog) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// CollectEvents drains an event iterator into a slice.
func CollectEvents(seq iter.Seq2[ScheduleEvent, error]) ([]ScheduleEvent, error) {
	var out []ScheduleEvent
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
