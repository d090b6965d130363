/*
engine.go - Recomputation engine (event application and replay)

PURPOSE:
  Folds events over the generated base projection. The current projection
  of a schedule is always:

    fold(events, Generate(terms))

  Apply is pure: it never mutates the receiver and returns a new State, so
  a rejected event leaves the prior projection intact.

PERIOD STATES:
  EXTERNAL        -> SYSTEM_BASE / SYSTEM_ADJUSTED  (ONBOARDING_BOUNDARY only)
  SYSTEM_BASE     -> SYSTEM_ADJUSTED                (first event touching it)
  SYSTEM_ADJUSTED -> SYSTEM_ADJUSTED                (deltas accumulate)
  open            -> CLOSED                         (PERIOD_CLOSE)
  open            -> STOPPED                        (TERMINATION)

TARGET RULES:
  An event's effective period must be inside the schedule and open.
  CLOSED targets fail with *PeriodClosedError (never auto-forwarded).
  EXTERNAL and STOPPED targets fail with *InvalidEventError.

REGENERATION:
  TIMELINE_EXTENSION and TIMELINE_REDUCTION keep the effective period and
  spread the balance remaining after it over the periods that follow, up to
  the new end. PROFILE_CHANGE re-spreads from the effective period itself.

RECONCILIATION:
  After every event the new state is checked against the previous one:
    - period ids strictly increasing
    - sum(reporting) == total + lifetime reporting deltas (same for local)
    - CLOSED lines unchanged field for field
  A failure is a *ReconciliationError and the event is rejected.

SEE ALSO:
  - generator.go: Base projection and derived fields
  - aggregate.go: Append + recompute as one transaction
*/
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATE - The fold accumulator
// =============================================================================

// State is a schedule's projection plus the running values the fold needs.
type State struct {
	ScheduleID ScheduleID
	Terms      ScheduleTerms
	Lines      []PeriodLine

	// Recognition is the method currently in force (PROFILE_CHANGE swaps it).
	Recognition Recognition

	// End is the current last period.
	End PeriodID

	// Boundary is the first system-owned period.
	Boundary PeriodID

	// Targets are the terms totals plus every AMOUNT_ADJUSTMENT delta.
	TargetReporting decimal.Decimal
	TargetLocal     decimal.Decimal

	Terminated  bool
	LastEventID EventID
}

// NewState generates the base projection for a schedule.
func NewState(id ScheduleID, terms ScheduleTerms) (*State, error) {
	lines, err := Generate(terms)
	if err != nil {
		return nil, err
	}
	boundary := terms.OnboardingPeriod
	if boundary == "" {
		boundary = terms.StartPeriod()
	}
	return &State{
		ScheduleID:      id,
		Terms:           terms,
		Lines:           lines,
		Recognition:     terms.Recognition,
		End:             terms.EndPeriod(),
		Boundary:        boundary,
		TargetReporting: terms.TotalAmountReporting,
		TargetLocal:     terms.TotalAmountLocal,
	}, nil
}

// Replay rebuilds a schedule from scratch: Generate, then every event in
// append order.
func Replay(id ScheduleID, terms ScheduleTerms, events []ScheduleEvent) (*State, error) {
	s, err := NewState(id, terms)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if s, err = s.Apply(ev); err != nil {
			return nil, fmt.Errorf("replay event %d: %w", ev.ID, err)
		}
	}
	return s, nil
}

// Projection returns a copy of the period lines.
func (s *State) Projection() []PeriodLine { return cloneLines(s.Lines) }

func (s *State) clone() *State {
	c := *s
	c.Lines = cloneLines(s.Lines)
	return &c
}

// FirstOpen returns the earliest period still absorbing adjustments,
// or "" when none is left.
func (s *State) FirstOpen() PeriodID {
	for _, l := range s.Lines {
		if l.State.IsOpen() {
			return l.Period
		}
	}
	return ""
}

// ClosedThrough returns the last CLOSED period, or "" when none is closed.
func (s *State) ClosedThrough() PeriodID {
	var last PeriodID
	for _, l := range s.Lines {
		if l.State == StateClosed {
			last = l.Period
		}
	}
	return last
}

func (s *State) nextOpen(from int) PeriodID {
	for j := from + 1; j < len(s.Lines); j++ {
		if s.Lines[j].State.IsOpen() {
			return s.Lines[j].Period
		}
	}
	return ""
}

// =============================================================================
// APPLY - One step of the fold
// =============================================================================

// Apply returns the state after ev. The receiver is never modified.
func (s *State) Apply(ev ScheduleEvent) (*State, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID <= s.LastEventID {
		return nil, invalidEvent(ev, "id", "event id %d does not follow %d", ev.ID, s.LastEventID)
	}

	next := s.clone()
	var err error
	switch p := ev.Payload.(type) {
	case AmountAdjustment:
		err = next.applyAmount(ev, p)
	case TimelineExtension:
		err = next.applyExtension(ev, p)
	case TimelineReduction:
		err = next.applyReduction(ev, p)
	case ProfileChange:
		err = next.applyProfile(ev, p)
	case OnboardingBoundary:
		err = next.applyBoundary(ev)
	case PeriodClose:
		err = next.applyClose(ev)
	case Termination:
		err = next.applyTermination(ev)
	}
	if err != nil {
		return nil, err
	}
	if err := next.check(s); err != nil {
		return nil, err
	}
	next.LastEventID = ev.ID
	return next, nil
}

// target resolves the effective period of ev to an open line.
func (s *State) target(ev ScheduleEvent) (int, error) {
	if s.Terminated && ev.Type() != EventPeriodClose {
		return -1, invalidEvent(ev, "", "schedule terminated at %s", s.End)
	}
	i := periodIndex(s.Lines, ev.EffectivePeriod)
	if i < 0 {
		return -1, invalidEvent(ev, "effective_period", "outside schedule %s", describeRange(s.Lines))
	}
	switch s.Lines[i].State {
	case StateClosed:
		return -1, &PeriodClosedError{ScheduleID: s.ScheduleID, Period: ev.EffectivePeriod, NextOpen: s.nextOpen(i)}
	case StateExternal:
		return -1, invalidEvent(ev, "effective_period", "precedes onboarding boundary %s", s.Boundary)
	case StateStopped:
		return -1, invalidEvent(ev, "effective_period", "schedule stopped at %s", ev.EffectivePeriod)
	}
	return i, nil
}

func (s *State) applyAmount(ev ScheduleEvent, p AmountAdjustment) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	l := &s.Lines[i]
	l.AmountReporting = l.AmountReporting.Add(p.AmountReportingDelta)
	l.AmountLocal = l.AmountLocal.Add(p.AmountLocalDelta)
	l.AdjustmentDelta = addDelta(l.AdjustmentDelta, p.AmountReportingDelta)
	l.State = StateSystemAdjusted
	l.Explanation = appendNote(l.Explanation, fmt.Sprintf("adjusted %s by event %d",
		signed(s.Terms.ReportingCurrency, p.AmountReportingDelta), ev.ID))

	s.TargetReporting = s.TargetReporting.Add(p.AmountReportingDelta)
	s.TargetLocal = s.TargetLocal.Add(p.AmountLocalDelta)
	s.plug(ev)
	rederive(s.Lines, s.TargetReporting, i, false)
	return nil
}

// plug re-derives the last open line so the totals reconcile to the targets.
func (s *State) plug(ev ScheduleEvent) {
	last := -1
	for j := len(s.Lines) - 1; j >= 0; j-- {
		if s.Lines[j].State.IsOpen() {
			last = j
			break
		}
	}
	if last < 0 {
		return
	}
	r, l := sumLines(s.Lines)
	diffR := s.TargetReporting.Sub(r)
	diffL := s.TargetLocal.Sub(l)
	if diffR.IsZero() && diffL.IsZero() {
		return
	}
	line := &s.Lines[last]
	line.AmountReporting = line.AmountReporting.Add(diffR)
	line.AmountLocal = line.AmountLocal.Add(diffL)
	line.AdjustmentDelta = addDelta(line.AdjustmentDelta, diffR)
	line.State = StateSystemAdjusted
	line.Explanation = appendNote(line.Explanation, fmt.Sprintf("plug %s by event %d",
		signed(s.Terms.ReportingCurrency, diffR), ev.ID))
}

func (s *State) applyExtension(ev ScheduleEvent, p TimelineExtension) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	newEnd := PeriodOf(p.NewEndDate)
	if !newEnd.After(s.End) {
		return invalidEvent(ev, "new_end_date", "%s does not extend current end %s", newEnd, s.End)
	}
	if err := s.regenerateAfter(ev, i, newEnd); err != nil {
		return err
	}
	s.End = newEnd
	return nil
}

func (s *State) applyReduction(ev ScheduleEvent, p TimelineReduction) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	newEnd := PeriodOf(p.NewEndDate)
	if !newEnd.Before(s.End) {
		return invalidEvent(ev, "new_end_date", "%s does not shorten current end %s", newEnd, s.End)
	}
	if newEnd.Before(ev.EffectivePeriod) {
		return invalidEvent(ev, "new_end_date", "%s precedes effective period", newEnd)
	}
	if err := s.regenerateAfter(ev, i, newEnd); err != nil {
		return err
	}
	s.End = newEnd
	return nil
}

func (s *State) applyProfile(ev ScheduleEvent, p ProfileChange) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	if err := s.regenerate(ev, i, s.End, p.Recognition); err != nil {
		return err
	}
	s.Recognition = p.Recognition
	return nil
}

// regenerateAfter keeps lines[:i+1] and spreads the balance remaining after
// them over (lines[i].Period, end]. When end is lines[i].Period the schedule
// ends there and line i takes the remainder.
func (s *State) regenerateAfter(ev ScheduleEvent, i int, end PeriodID) error {
	if end.After(s.Lines[i].Period) {
		return s.regenerate(ev, i+1, end, s.Recognition)
	}
	s.Lines = s.Lines[:i+1]
	s.plug(ev)
	rederive(s.Lines, s.TargetReporting, i, false)
	return nil
}

// regenerate replaces lines[i:] with a fresh split of the balance remaining
// after lines[:i], over the periods following lines[i-1] through end.
func (s *State) regenerate(ev ScheduleEvent, i int, end PeriodID, rec Recognition) error {
	alloc, err := allocatorFor(rec)
	if err != nil {
		return invalidEvent(ev, "recognition", "%v", err)
	}
	cumR, cumL := sumLines(s.Lines[:i])
	remR := s.TargetReporting.Sub(cumR)
	remL := s.TargetLocal.Sub(cumL)

	var from PeriodID
	if i < len(s.Lines) {
		from = s.Lines[i].Period
	} else {
		from = s.Lines[i-1].Period.Next()
	}
	periods := PeriodRange(from, end)
	rep := alloc.Allocate(remR, periods, s.Terms.ReportingCurrency)
	loc := alloc.Allocate(remL, periods, s.Terms.LocalCurrency)

	lines := make([]PeriodLine, i, i+len(periods))
	copy(lines, s.Lines[:i])
	for k, p := range periods {
		base := decimal.Zero
		if j := periodIndex(s.Lines, p); j >= 0 {
			base = s.Lines[j].BaseAmountReporting
		}
		lines = append(lines, PeriodLine{
			Period:              p,
			State:               StateSystemAdjusted,
			AmountReporting:     rep[k].Amount,
			AmountLocal:         loc[k].Amount,
			AdjustmentDelta:     decimalPtr(rep[k].Amount.Sub(base)),
			BaseAmountReporting: base,
			Explanation: appendNote(rep[k].Note, fmt.Sprintf("regenerated by event %d (%s at %s, remaining %s)",
				ev.ID, ev.Type(), ev.EffectivePeriod, s.Terms.ReportingCurrency.Format(remR))),
		})
	}
	s.Lines = lines
	rederive(s.Lines, s.TargetReporting, i, false)
	return nil
}

func (s *State) applyBoundary(ev ScheduleEvent) error {
	if s.Terminated {
		return invalidEvent(ev, "", "schedule terminated at %s", s.End)
	}
	i := periodIndex(s.Lines, ev.EffectivePeriod)
	if i < 0 {
		return invalidEvent(ev, "effective_period", "outside schedule %s", describeRange(s.Lines))
	}
	if ev.EffectivePeriod.After(s.Boundary) {
		return invalidEvent(ev, "effective_period", "boundary can only move earlier than %s", s.Boundary)
	}
	if closed := s.ClosedThrough(); closed != "" {
		return invalidEvent(ev, "effective_period", "periods closed through %s", closed)
	}

	first := -1
	for j := i; j < len(s.Lines); j++ {
		l := &s.Lines[j]
		if l.State != StateExternal {
			continue
		}
		l.State = StateSystemBase
		if l.AdjustmentDelta != nil {
			l.State = StateSystemAdjusted
		}
		l.Explanation = appendNote(l.Explanation, fmt.Sprintf("onboarded by event %d", ev.ID))
		if first < 0 {
			first = j
		}
	}
	s.Boundary = ev.EffectivePeriod
	if first >= 0 {
		rederive(s.Lines, s.TargetReporting, first, false)
	}
	return nil
}

func (s *State) applyClose(ev ScheduleEvent) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	for j := 0; j < i; j++ {
		if st := s.Lines[j].State; st != StateClosed && st != StateExternal {
			return invalidEvent(ev, "effective_period", "earlier period %s is not closed", s.Lines[j].Period)
		}
	}
	s.Lines[i].State = StateClosed
	return nil
}

func (s *State) applyTermination(ev ScheduleEvent) error {
	i, err := s.target(ev)
	if err != nil {
		return err
	}
	cumR, cumL := sumLines(s.Lines[:i])
	l := s.Lines[i]
	writeOffR := s.TargetReporting.Sub(cumR).Sub(l.AmountReporting)
	writeOffL := s.TargetLocal.Sub(cumL).Sub(l.AmountLocal)

	l.AmountReporting = l.AmountReporting.Add(writeOffR)
	l.AmountLocal = l.AmountLocal.Add(writeOffL)
	l.AdjustmentDelta = addDelta(l.AdjustmentDelta, writeOffR)
	l.State = StateStopped
	l.Explanation = appendNote(l.Explanation, fmt.Sprintf("terminated by event %d, remaining %s written off",
		ev.ID, s.Terms.ReportingCurrency.Format(writeOffR)))

	s.Lines = append(s.Lines[:i], l)
	s.End = l.Period
	s.Terminated = true
	rederive(s.Lines, s.TargetReporting, i, false)
	return nil
}

// =============================================================================
// RECONCILIATION CHECK
// =============================================================================

func (s *State) check(prev *State) error {
	for j := 1; j < len(s.Lines); j++ {
		if !s.Lines[j].Period.After(s.Lines[j-1].Period) {
			return &ReconciliationError{ScheduleID: s.ScheduleID, Check: "period_order", Period: s.Lines[j].Period}
		}
	}
	if err := checkTotals(s.ScheduleID, s.Lines, s.TargetReporting, s.TargetLocal); err != nil {
		return err
	}
	for _, old := range prev.Lines {
		if old.State != StateClosed {
			continue
		}
		j := periodIndex(s.Lines, old.Period)
		if j < 0 || !s.Lines[j].Equal(old) {
			actual := decimal.Zero
			if j >= 0 {
				actual = s.Lines[j].AmountReporting
			}
			return &ReconciliationError{
				ScheduleID: s.ScheduleID,
				Check:      "closed_immutable",
				Period:     old.Period,
				Expected:   old.AmountReporting,
				Actual:     actual,
			}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func addDelta(current *decimal.Decimal, d decimal.Decimal) *decimal.Decimal {
	if current == nil {
		return decimalPtr(d)
	}
	return decimalPtr(current.Add(d))
}

func appendNote(explanation, note string) string {
	if explanation == "" {
		return note
	}
	return explanation + "; " + note
}

func signed(cur Currency, d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + cur.Format(d)
	}
	return cur.Format(d)
}
