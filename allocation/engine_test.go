package allocation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// AMOUNT ADJUSTMENT
// =============================================================================

func TestApplyEvent_AmountAdjustment(t *testing.T) {
	// GIVEN: The 12,000 straight-line schedule
	// WHEN: +600 reporting is applied effective June
	// THEN: January to May are untouched, June carries the delta, total is 12,600

	s := newSchedule(t, straightLineTerms())
	before := s.CurrentProjection()

	lines, err := s.ApplyEvent(adjustment("2026-06", "600", "0"))
	require.NoError(t, err)
	require.Len(t, lines, 12)

	for i := 0; i < 5; i++ {
		assert.True(t, lines[i].Equal(before[i]), "period %s changed", lines[i].Period)
	}
	june := lineAt(t, lines, "2026-06")
	assert.Equal(t, allocation.StateSystemAdjusted, june.State)
	assert.True(t, june.AmountReporting.Equal(d("1600")))
	require.NotNil(t, june.AdjustmentDelta)
	assert.True(t, june.AdjustmentDelta.Equal(d("600")))
	assert.True(t, june.BaseAmountReporting.Equal(d("1000")))
	assert.True(t, june.CumulativeAmountReporting.Equal(d("6600")))
	assert.Contains(t, june.Explanation, "event 1")

	r, _ := totals(lines)
	assert.True(t, r.Equal(d("12600")))
	assert.True(t, lines[11].RemainingAmountReporting.IsZero())
	assert.Equal(t, allocation.EventID(1), s.LastEventID())
}

func TestApplyEvent_Correction_NetsOut(t *testing.T) {
	s := newSchedule(t, straightLineTerms())

	_, err := s.ApplyEvent(adjustment("2026-06", "600", "0"))
	require.NoError(t, err)
	lines, err := s.ApplyEvent(adjustment("2026-06", "-600", "0"))
	require.NoError(t, err)

	june := lineAt(t, lines, "2026-06")
	assert.True(t, june.AmountReporting.Equal(d("1000")))
	assert.True(t, june.AdjustmentDelta.IsZero())
	assert.Len(t, s.Events(), 2)
}

// =============================================================================
// CLOSED PERIODS
// =============================================================================

func TestApplyEvent_ClosedPeriod_Rejected(t *testing.T) {
	// GIVEN: January to March are closed
	// WHEN: An adjustment targets February
	// THEN: PeriodClosedError naming April, nothing appended, nothing changed

	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-03")
	before := s.CurrentProjection()
	logLen := len(s.Events())

	_, err := s.ApplyEvent(adjustment("2026-02", "100", "0"))

	var closed *allocation.PeriodClosedError
	require.True(t, errors.As(err, &closed))
	assert.ErrorIs(t, err, allocation.ErrPeriodClosed)
	assert.Equal(t, allocation.PeriodID("2026-02"), closed.Period)
	assert.Equal(t, allocation.PeriodID("2026-04"), closed.NextOpen)
	assert.Len(t, s.Events(), logLen)
	assert.True(t, allocation.EqualProjections(before, s.CurrentProjection()))
}

func TestClosePeriod_Sequential(t *testing.T) {
	s := newSchedule(t, straightLineTerms())

	_, err := s.ClosePeriod("2026-03", "close-bot")
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)

	_, err = s.ClosePeriod("2026-01", "close-bot")
	require.NoError(t, err)
	_, err = s.ClosePeriod("2026-01", "close-bot")
	assert.ErrorIs(t, err, allocation.ErrPeriodClosed)

	st := s.State()
	assert.Equal(t, allocation.PeriodID("2026-01"), st.ClosedThrough())
	assert.Equal(t, allocation.PeriodID("2026-02"), st.FirstOpen())
}

func TestClosedLines_NeverChange(t *testing.T) {
	// GIVEN: January to March closed
	// WHEN: Adjustments, a profile change and a reduction hit later periods
	// THEN: The closed lines are identical field for field

	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-03")
	closed := s.CurrentProjection()[:3]

	_, err := s.ApplyEvent(adjustment("2026-04", "250.55", "10"))
	require.NoError(t, err)
	_, err = s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-05",
		Payload: allocation.ProfileChange{Recognition: allocation.Recognition{
			Method: allocation.MethodDecliningBalance, Rate: d("0.3"),
		}},
	})
	require.NoError(t, err)
	lines, err := s.ApplyEvent(reduction("2026-06", date(2026, time.October, 31)))
	require.NoError(t, err)

	for i := range closed {
		assert.True(t, closed[i].Equal(lines[i]), "closed period %s changed", closed[i].Period)
	}
	r, l := totals(lines)
	assert.True(t, r.Equal(d("12250.55")))
	assert.True(t, l.Equal(d("11010")))
}

// =============================================================================
// TIMELINE EVENTS
// =============================================================================

func TestApplyEvent_TimelineReduction(t *testing.T) {
	// GIVEN: January to May closed, 6,000 recognized through June
	// WHEN: The end moves to September after June
	// THEN: June is untouched and July to September split 6,000 into 3 x 2,000

	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-05")

	lines, err := s.ApplyEvent(reduction("2026-06", date(2026, time.September, 30)))
	require.NoError(t, err)
	require.Len(t, lines, 9)

	june := lineAt(t, lines, "2026-06")
	assert.True(t, june.AmountReporting.Equal(d("1000")), "2026-06: %s", june.AmountReporting)
	assert.Equal(t, allocation.StateSystemBase, june.State)
	assert.Nil(t, june.AdjustmentDelta)
	assert.True(t, june.RemainingAmountReporting.Equal(d("6000")))

	for _, p := range []allocation.PeriodID{"2026-07", "2026-08", "2026-09"} {
		l := lineAt(t, lines, p)
		assert.True(t, l.AmountReporting.Equal(d("2000")), "period %s: %s", p, l.AmountReporting)
		assert.Equal(t, allocation.StateSystemAdjusted, l.State)
		assert.True(t, l.AdjustmentDelta.Equal(d("1000")))
	}
	assert.True(t, lineAt(t, lines, "2026-07").AmountLocal.Equal(d("1833.34")))
	assert.True(t, lineAt(t, lines, "2026-09").AmountLocal.Equal(d("1833.36")))
	assert.Equal(t, allocation.PeriodID("2026-09"), s.CurrentPeriod())
	r, l := totals(lines)
	assert.True(t, r.Equal(d("12000")))
	assert.True(t, l.Equal(d("11000")))
}

func TestApplyEvent_TimelineReduction_EndsAtEffectivePeriod(t *testing.T) {
	// GIVEN: January to May closed
	// WHEN: The schedule is cut short to end in June itself
	// THEN: June takes the whole remaining balance and nothing follows it

	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-05")

	lines, err := s.ApplyEvent(reduction("2026-06", date(2026, time.June, 30)))
	require.NoError(t, err)
	require.Len(t, lines, 6)

	june := lines[5]
	assert.Equal(t, allocation.PeriodID("2026-06"), june.Period)
	assert.Equal(t, allocation.StateSystemAdjusted, june.State)
	assert.True(t, june.AmountReporting.Equal(d("7000")), "2026-06: %s", june.AmountReporting)
	assert.True(t, june.AmountLocal.Equal(d("6416.70")), "2026-06 local: %s", june.AmountLocal)
	assert.True(t, june.AdjustmentDelta.Equal(d("6000")))
	assert.True(t, june.RemainingAmountReporting.IsZero())
	assert.Equal(t, allocation.PeriodID("2026-06"), s.CurrentPeriod())
}

func TestApplyEvent_TimelineReduction_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ev   allocation.ScheduleEvent
	}{
		{"does not shorten", reduction("2026-07", date(2027, time.March, 31))},
		{"ends before effective period", reduction("2026-07", date(2026, time.May, 31))},
		{"missing end date", reduction("2026-07", time.Time{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSchedule(t, straightLineTerms())
			_, err := s.ApplyEvent(tt.ev)
			assert.ErrorIs(t, err, allocation.ErrInvalidEvent)
			assert.Empty(t, s.Events())
		})
	}
}

func TestApplyEvent_TimelineExtension(t *testing.T) {
	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-06")

	lines, err := s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-07",
		Payload:         allocation.TimelineExtension{NewEndDate: date(2027, time.March, 31)},
	})
	require.NoError(t, err)
	require.Len(t, lines, 15)

	july := lineAt(t, lines, "2026-07")
	assert.True(t, july.AmountReporting.Equal(d("1000")))
	assert.Equal(t, allocation.StateSystemBase, july.State)
	assert.True(t, lineAt(t, lines, "2026-08").AmountReporting.Equal(d("625")))
	assert.True(t, lineAt(t, lines, "2027-03").AmountReporting.Equal(d("625")))
	assert.True(t, lineAt(t, lines, "2027-01").BaseAmountReporting.IsZero())
	r, _ := totals(lines)
	assert.True(t, r.Equal(d("12000")))

	_, err = s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-07",
		Payload:         allocation.TimelineExtension{NewEndDate: date(2027, time.January, 31)},
	})
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)
}

func TestApplyEvent_ProfileChange(t *testing.T) {
	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-06")

	lines, err := s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-07",
		Payload: allocation.ProfileChange{Recognition: allocation.Recognition{
			Method: allocation.MethodDecliningBalance, Rate: d("0.5"),
		}},
	})
	require.NoError(t, err)

	assert.True(t, lineAt(t, lines, "2026-07").AmountReporting.Equal(d("3000")))
	assert.True(t, lineAt(t, lines, "2026-12").AmountReporting.Equal(d("187.50")))
	assert.Equal(t, allocation.MethodDecliningBalance, s.State().Recognition.Method)
}

// =============================================================================
// ONBOARDING
// =============================================================================

func TestOnboarding_ExternalPeriodsRejectEvents(t *testing.T) {
	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-04"
	s := newSchedule(t, terms)

	_, err := s.ApplyEvent(adjustment("2026-02", "100", "0"))
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)

	// Closing starts at the boundary; external periods are not the system's to close.
	_, err = s.ClosePeriod("2026-04", "close-bot")
	require.NoError(t, err)
}

func TestOnboardingBoundary_MovesEarlier(t *testing.T) {
	// GIVEN: Onboarded in April
	// WHEN: The boundary moves to February
	// THEN: February and March become SYSTEM_BASE, January stays EXTERNAL

	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-04"
	s := newSchedule(t, terms)

	lines, err := s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-02",
		Payload:         allocation.OnboardingBoundary{},
	})
	require.NoError(t, err)

	assert.Equal(t, allocation.StateExternal, lines[0].State)
	assert.Equal(t, allocation.StateSystemBase, lines[1].State)
	assert.Equal(t, allocation.StateSystemBase, lines[2].State)
	assert.Equal(t, allocation.PeriodID("2026-02"), s.State().Boundary)

	_, err = s.ApplyEvent(adjustment("2026-02", "50", "0"))
	require.NoError(t, err)
}

func TestOnboardingBoundary_Invalid(t *testing.T) {
	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-04"

	s := newSchedule(t, terms)
	_, err := s.ApplyEvent(allocation.ScheduleEvent{EffectivePeriod: "2026-06", Payload: allocation.OnboardingBoundary{}})
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent, "boundary cannot move later")

	s = newSchedule(t, terms)
	_, err = s.ClosePeriod("2026-04", "close-bot")
	require.NoError(t, err)
	_, err = s.ApplyEvent(allocation.ScheduleEvent{EffectivePeriod: "2026-02", Payload: allocation.OnboardingBoundary{}})
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent, "boundary cannot move once periods are closed")
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestTermination_WritesOffRemainingBalance(t *testing.T) {
	// GIVEN: The 12,000 schedule
	// WHEN: Terminated in June
	// THEN: June is STOPPED with 1,000 + 6,000 remaining; later periods are gone

	s := newSchedule(t, straightLineTerms())

	lines, err := s.ApplyEvent(allocation.ScheduleEvent{
		EffectivePeriod: "2026-06",
		Payload:         allocation.Termination{},
		Reason:          "contract cancelled",
	})
	require.NoError(t, err)
	require.Len(t, lines, 6)

	june := lines[5]
	assert.Equal(t, allocation.StateStopped, june.State)
	assert.True(t, june.AmountReporting.Equal(d("7000")))
	assert.True(t, june.AmountLocal.Equal(d("6416.70")))
	assert.True(t, june.RemainingAmountReporting.IsZero())
	assert.True(t, s.Terminated())

	_, err = s.ApplyEvent(adjustment("2026-05", "10", "0"))
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)

	// Earlier periods can still be closed.
	_, err = s.ClosePeriod("2026-01", "close-bot")
	require.NoError(t, err)
	_, err = s.ApplyEvent(allocation.ScheduleEvent{EffectivePeriod: "2026-06", Payload: allocation.PeriodClose{}})
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)
}

// =============================================================================
// EVENT VALIDATION
// =============================================================================

func TestApplyEvent_InvalidEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   allocation.ScheduleEvent
	}{
		{"no payload", allocation.ScheduleEvent{EffectivePeriod: "2026-03"}},
		{"bad period", adjustment("2026-13", "1", "0")},
		{"outside schedule", adjustment("2027-05", "1", "0")},
		{"zero deltas", adjustment("2026-03", "0", "0")},
		{"bad profile", allocation.ScheduleEvent{
			EffectivePeriod: "2026-03",
			Payload:         allocation.ProfileChange{Recognition: allocation.Recognition{Method: "weird"}},
		}},
		{"other schedule", allocation.ScheduleEvent{
			ScheduleID:      "sch-2",
			EffectivePeriod: "2026-03",
			Payload:         allocation.AmountAdjustment{AmountReportingDelta: d("1")},
		}},
		{"stale id", allocation.ScheduleEvent{
			ID:              -1,
			EffectivePeriod: "2026-03",
			Payload:         allocation.AmountAdjustment{AmountReportingDelta: d("1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSchedule(t, straightLineTerms())
			before := s.CurrentProjection()

			_, err := s.ApplyEvent(tt.ev)

			assert.ErrorIs(t, err, allocation.ErrInvalidEvent)
			assert.True(t, allocation.IsClientError(err))
			assert.Empty(t, s.Events())
			assert.True(t, allocation.EqualProjections(before, s.CurrentProjection()))
		})
	}
}

// =============================================================================
// FOLD PROPERTIES
// =============================================================================

func TestState_ApplyIsPure(t *testing.T) {
	st, err := allocation.NewState("sch-1", straightLineTerms())
	require.NoError(t, err)
	before := st.Projection()

	ev := adjustment("2026-04", "300", "0")
	ev.ID = 1
	next, err := st.Apply(ev)
	require.NoError(t, err)

	assert.True(t, allocation.EqualProjections(before, st.Projection()))
	assert.Equal(t, allocation.EventID(0), st.LastEventID)
	assert.Equal(t, allocation.EventID(1), next.LastEventID)
	assert.False(t, allocation.EqualProjections(before, next.Projection()))
}

func TestRebuild_MatchesIncrementalProjection(t *testing.T) {
	// GIVEN: A schedule that went through every kind of event
	// WHEN: Rebuilding from the log
	// THEN: The rebuilt projection equals the incremental one exactly

	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-02"
	s := newSchedule(t, terms)

	steps := []allocation.ScheduleEvent{
		{EffectivePeriod: "2026-01", Payload: allocation.OnboardingBoundary{}},
		{EffectivePeriod: "2026-01", Payload: allocation.PeriodClose{}},
		adjustment("2026-03", "123.45", "100"),
		{EffectivePeriod: "2026-02", Payload: allocation.PeriodClose{}},
		{EffectivePeriod: "2026-04", Payload: allocation.ProfileChange{Recognition: allocation.Recognition{
			Method: allocation.MethodDecliningBalance, Rate: d("0.2"),
		}}},
		{EffectivePeriod: "2026-05", Payload: allocation.TimelineExtension{NewEndDate: date(2027, time.June, 30)}},
		adjustment("2026-09", "-77.01", "-70"),
		reduction("2026-10", date(2027, time.February, 28)),
		{EffectivePeriod: "2027-01", Payload: allocation.Termination{}},
	}
	for i, ev := range steps {
		_, err := s.ApplyEvent(ev)
		require.NoError(t, err, "step %d (%s)", i+1, ev.Type())
	}
	incremental := s.CurrentProjection()

	rebuilt, err := s.Rebuild()
	require.NoError(t, err)
	assert.True(t, allocation.EqualProjections(incremental, rebuilt))
	assert.Equal(t, allocation.Digest(incremental), allocation.Digest(rebuilt))
	assert.Empty(t, allocation.FirstDifference(incremental, rebuilt))

	replayed, err := allocation.Replay("sch-1", terms, s.Events())
	require.NoError(t, err)
	assert.Equal(t, allocation.Digest(incremental), allocation.Digest(replayed.Lines))

	r, l := totals(rebuilt)
	assert.True(t, r.Equal(d("12046.44")))
	assert.True(t, l.Equal(d("11030")))
}

func TestDigest_DetectsChange(t *testing.T) {
	lines, err := allocation.Generate(straightLineTerms())
	require.NoError(t, err)
	tampered := append([]allocation.PeriodLine(nil), lines...)
	tampered[4].AmountReporting = tampered[4].AmountReporting.Add(d("0.01"))

	assert.NotEqual(t, allocation.Digest(lines), allocation.Digest(tampered))
	assert.Equal(t, allocation.PeriodID("2026-05"), allocation.FirstDifference(lines, tampered))
	assert.Equal(t, allocation.PeriodID("2026-12"), allocation.FirstDifference(lines, lines[:11]))
}

// shortAllocator splits like straight-line but loses a cent in the last period.
type shortAllocator struct{}

func (shortAllocator) Allocate(total decimal.Decimal, periods []allocation.PeriodID, cur allocation.Currency) []allocation.Allocation {
	out := allocation.StraightLine{}.Allocate(total, periods, cur)
	if n := len(out); n > 0 {
		out[n-1].Amount = out[n-1].Amount.Sub(d("0.01"))
	}
	return out
}

func useShortAllocator(t *testing.T) {
	allocation.SetAllocatorFor(t, func(allocation.Recognition) (allocation.Allocator, error) {
		return shortAllocator{}, nil
	})
}

func TestApplyEvent_ReconciliationFailureKeepsState(t *testing.T) {
	// GIVEN: January and February closed
	// WHEN: A reduction is regenerated by an allocator that loses a cent
	// THEN: The event is rejected with a reconciliation error and neither
	// the log nor the projection changes

	s := newSchedule(t, straightLineTerms())
	closeThrough(t, s, "2026-02")
	before := s.CurrentProjection()
	useShortAllocator(t)

	_, err := s.ApplyEvent(reduction("2026-06", date(2026, time.September, 30)))

	var recErr *allocation.ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "total_reporting", recErr.Check)
	assert.True(t, recErr.Expected.Equal(d("12000")))
	assert.True(t, recErr.Actual.Equal(d("11999.99")), recErr.Actual.String())
	assert.False(t, allocation.IsClientError(err))

	assert.Len(t, s.Events(), 2)
	assert.Equal(t, allocation.EventID(2), s.LastEventID())
	assert.Equal(t, allocation.PeriodID("2026-12"), s.CurrentPeriod())
	assert.True(t, allocation.EqualProjections(before, s.CurrentProjection()))
}

func TestReconciliationError_Unwraps(t *testing.T) {
	err := &allocation.ReconciliationError{ScheduleID: "sch-1", Check: "total_reporting", Expected: d("1"), Actual: d("2")}
	assert.ErrorIs(t, err, allocation.ErrReconciliation)
	assert.False(t, allocation.IsClientError(err))
	assert.Contains(t, err.Error(), "total_reporting")
}
