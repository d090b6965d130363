/*
aggregate.go - The Schedule aggregate (unit of consistency)

PURPOSE:
  A Schedule owns exactly one ScheduleTerms, its event log and the current
  period projection. It is the public contract external collaborators use:

    Create(id, terms)       generate base periods, empty log
    ApplyEvent(ev)          append + recompute, all or nothing
    CurrentProjection()     cached lines, no recomputation
    Rebuild()               regenerate + replay the full log

ATOMICITY:
  ApplyEvent first decides the outcome on a copy of the state. Only when
  the new state passes the reconciliation check are the event and the new
  projection committed together. A rejected event leaves both the log and
  the projection exactly as they were.

PERSISTENCE:
  The aggregate is in-memory. Service wraps Decide/Accept with a store
  transaction so the durable log and the cached projection move together.

SEE ALSO:
  - engine.go: The fold
  - service.go: Locking, persistence and catch-up across processes
*/
package allocation

import (
	"fmt"
	"time"
)

// Schedule is one schedule's terms, events and projection.
type Schedule struct {
	id     ScheduleID
	state  *State
	events []ScheduleEvent
	now    func() time.Time
}

// Create validates the terms and generates the base projection.
func Create(id ScheduleID, terms ScheduleTerms) (*Schedule, error) {
	if id == "" {
		return nil, invalidTerms("id", "schedule id is required")
	}
	state, err := NewState(id, terms)
	if err != nil {
		return nil, err
	}
	return &Schedule{id: id, state: state, now: time.Now}, nil
}

// Load rebuilds an aggregate from its stored terms and full event log.
func Load(id ScheduleID, terms ScheduleTerms, events []ScheduleEvent) (*Schedule, error) {
	state, err := Replay(id, terms, events)
	if err != nil {
		return nil, err
	}
	return &Schedule{id: id, state: state, events: append([]ScheduleEvent(nil), events...), now: time.Now}, nil
}

func (s *Schedule) ID() ScheduleID            { return s.id }
func (s *Schedule) Terms() ScheduleTerms      { return s.state.Terms }
func (s *Schedule) LastEventID() EventID      { return s.state.LastEventID }
func (s *Schedule) State() *State             { return s.state.clone() }
func (s *Schedule) Events() []ScheduleEvent   { return append([]ScheduleEvent(nil), s.events...) }
func (s *Schedule) Terminated() bool          { return s.state.Terminated }
func (s *Schedule) CurrentPeriod() PeriodID   { return s.state.End }
func (s *Schedule) FirstOpenPeriod() PeriodID { return s.state.FirstOpen() }

// CurrentProjection returns the cached period lines.
func (s *Schedule) CurrentProjection() []PeriodLine { return s.state.Projection() }

// Decide computes the outcome of ev without changing the aggregate. The
// returned event carries its assigned ID and timestamps.
func (s *Schedule) Decide(ev ScheduleEvent) (ScheduleEvent, *State, error) {
	if ev.ScheduleID == "" {
		ev.ScheduleID = s.id
	}
	if ev.ScheduleID != s.id {
		return ScheduleEvent{}, nil, invalidEvent(ev, "schedule_id", "event for %s applied to %s", ev.ScheduleID, s.id)
	}
	if ev.ID == 0 {
		ev.ID = s.state.LastEventID + 1
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	next, err := s.state.Apply(ev)
	if err != nil {
		return ScheduleEvent{}, nil, err
	}
	return ev, next, nil
}

// Accept commits a decided event. next must come from Decide on the
// current state.
func (s *Schedule) Accept(ev ScheduleEvent, next *State) error {
	if next.LastEventID != ev.ID || ev.ID != s.state.LastEventID+1 {
		return fmt.Errorf("accept event %d on schedule %s at %d: %w", ev.ID, s.id, s.state.LastEventID, ErrConcurrentModification)
	}
	s.events = append(s.events, ev)
	s.state = next
	return nil
}

// ApplyEvent appends ev and recomputes the projection. On failure neither
// the log nor the projection changes.
func (s *Schedule) ApplyEvent(ev ScheduleEvent) ([]PeriodLine, error) {
	ev, next, err := s.Decide(ev)
	if err != nil {
		return nil, err
	}
	if err := s.Accept(ev, next); err != nil {
		return nil, err
	}
	return s.CurrentProjection(), nil
}

// ClosePeriod freezes a period. Periods close in order.
func (s *Schedule) ClosePeriod(period PeriodID, actor string) ([]PeriodLine, error) {
	return s.ApplyEvent(ScheduleEvent{
		EffectivePeriod: period,
		Payload:         PeriodClose{},
		Reason:          "period close",
		CreatedBy:       actor,
	})
}

// Rebuild discards the cached projection and replays the full log.
func (s *Schedule) Rebuild() ([]PeriodLine, error) {
	state, err := Replay(s.id, s.state.Terms, s.events)
	if err != nil {
		return nil, err
	}
	s.state = state
	return s.CurrentProjection(), nil
}
