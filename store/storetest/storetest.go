// Package storetest is a behavioural suite every allocation.TxStore must
// pass. Each backend's tests call Run with a constructor for an empty store.
package storetest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) allocation.TxStore

// Run executes every store test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st allocation.TxStore)
	}{
		{"Schedules", testSchedules},
		{"TermsRoundTrip", testTermsRoundTrip},
		{"AppendStrictSequence", testAppendStrictSequence},
		{"EventPayloadRoundTrip", testEventPayloadRoundTrip},
		{"LoadEventsPaging", testLoadEventsPaging},
		{"ProjectionRoundTrip", testProjectionRoundTrip},
		{"TxRollback", testTxRollback},
		{"ServiceEndToEnd", testServiceEndToEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var created = time.Date(2026, time.June, 15, 9, 30, 0, 123000000, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func terms() allocation.ScheduleTerms {
	end := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	return allocation.ScheduleTerms{
		Kind:                 "prepaid_expense",
		TotalAmountReporting: d("12000.00"),
		TotalAmountLocal:     d("11000.00"),
		ReportingCurrency:    "USD",
		LocalCurrency:        "EUR",
		StartDate:            time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              &end,
		Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
	}
}

func record(id allocation.ScheduleID) allocation.ScheduleRecord {
	return allocation.ScheduleRecord{ID: id, Terms: terms(), CreatedAt: created, CreatedBy: "alice"}
}

func adjustment(id allocation.ScheduleID, n allocation.EventID, delta string) allocation.ScheduleEvent {
	return allocation.ScheduleEvent{
		ID:              n,
		ScheduleID:      id,
		EffectivePeriod: "2026-06",
		Payload:         allocation.AmountAdjustment{AmountReportingDelta: d(delta), AmountLocalDelta: d("0")},
		Reason:          "true-up",
		CreatedAt:       created,
		CreatedBy:       "alice",
	}
}

// =============================================================================
// TESTS
// =============================================================================

func testSchedules(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, record("sch-b")))
	require.NoError(t, st.CreateSchedule(ctx, record("sch-a")))
	assert.ErrorIs(t, st.CreateSchedule(ctx, record("sch-a")), allocation.ErrScheduleExists)

	ids, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []allocation.ScheduleID{"sch-b", "sch-a"}, ids)

	rec, err := st.LoadSchedule(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.True(t, rec.CreatedAt.Equal(created), "created_at %s", rec.CreatedAt)

	_, err = st.LoadSchedule(ctx, "missing")
	assert.ErrorIs(t, err, allocation.ErrScheduleNotFound)
	_, err = st.LoadProjection(ctx, "sch-a")
	assert.ErrorIs(t, err, allocation.ErrScheduleNotFound)

	last, err := st.LastEventID(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(0), last)
}

func testTermsRoundTrip(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	in := terms()
	in.EndDate = nil
	in.CurrentPeriod = "2026-09"
	in.OnboardingPeriod = "2026-03"
	in.ExternalHistory = []allocation.ExternalAmount{
		{Period: "2026-01", AmountReporting: d("1200.10"), AmountLocal: d("1100")},
		{Period: "2026-02", AmountReporting: d("1000"), AmountLocal: d("900")},
	}
	in.Recognition = allocation.Recognition{
		Method:     allocation.MethodMilestone,
		Milestones: []allocation.Milestone{{Name: "go-live", Period: "2026-05", Weight: d("2.5")}},
	}
	require.NoError(t, st.CreateSchedule(ctx, allocation.ScheduleRecord{ID: "sch-t", Terms: in, CreatedAt: created}))

	rec, err := st.LoadSchedule(ctx, "sch-t")
	require.NoError(t, err)
	out := rec.Terms

	assert.Equal(t, in.Kind, out.Kind)
	assert.True(t, in.TotalAmountReporting.Equal(out.TotalAmountReporting))
	assert.True(t, in.TotalAmountLocal.Equal(out.TotalAmountLocal))
	assert.Equal(t, in.ReportingCurrency, out.ReportingCurrency)
	assert.Equal(t, in.LocalCurrency, out.LocalCurrency)
	assert.True(t, in.StartDate.Equal(out.StartDate))
	assert.Nil(t, out.EndDate)
	assert.Equal(t, in.CurrentPeriod, out.CurrentPeriod)
	assert.Equal(t, in.OnboardingPeriod, out.OnboardingPeriod)
	require.Len(t, out.ExternalHistory, 2)
	assert.True(t, out.ExternalHistory[0].AmountReporting.Equal(d("1200.10")))
	require.Len(t, out.Recognition.Milestones, 1)
	assert.Equal(t, "go-live", out.Recognition.Milestones[0].Name)
	assert.True(t, out.Recognition.Milestones[0].Weight.Equal(d("2.5")))
}

func testAppendStrictSequence(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, record("sch-a")))

	require.NoError(t, st.AppendEvent(ctx, adjustment("sch-a", 1, "10")))
	assert.ErrorIs(t, st.AppendEvent(ctx, adjustment("sch-a", 1, "10")), allocation.ErrConcurrentModification)
	assert.ErrorIs(t, st.AppendEvent(ctx, adjustment("sch-a", 3, "10")), allocation.ErrConcurrentModification)
	require.NoError(t, st.AppendEvent(ctx, adjustment("sch-a", 2, "10")))

	err := st.AppendEvent(ctx, adjustment("missing", 1, "10"))
	assert.ErrorIs(t, err, allocation.ErrScheduleNotFound)

	last, err := st.LastEventID(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(2), last)
}

func testEventPayloadRoundTrip(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, record("sch-p")))

	newEnd := time.Date(2027, time.March, 31, 0, 0, 0, 0, time.UTC)
	payloads := []allocation.EventPayload{
		allocation.AmountAdjustment{AmountReportingDelta: d("600.25"), AmountLocalDelta: d("-3")},
		allocation.TimelineExtension{NewEndDate: newEnd},
		allocation.TimelineReduction{NewEndDate: newEnd},
		allocation.ProfileChange{Recognition: allocation.Recognition{
			Method:  allocation.MethodUsageBased,
			Drivers: map[allocation.PeriodID]decimal.Decimal{"2026-07": d("3"), "2026-08": d("1.5")},
		}},
		allocation.OnboardingBoundary{},
		allocation.PeriodClose{},
		allocation.Termination{},
	}
	for i, p := range payloads {
		ev := allocation.ScheduleEvent{
			ID:              allocation.EventID(i + 1),
			ScheduleID:      "sch-p",
			EffectivePeriod: "2026-07",
			Payload:         p,
			Reason:          "reason " + string(p.EventType()),
			CreatedAt:       created,
			CreatedBy:       "bob",
		}
		require.NoError(t, st.AppendEvent(ctx, ev), "append %s", p.EventType())
	}

	events, err := st.LoadEvents(ctx, "sch-p", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, len(payloads))
	for i, ev := range events {
		assert.Equal(t, allocation.EventID(i+1), ev.ID)
		assert.Equal(t, payloads[i].EventType(), ev.Type())
		assert.Equal(t, allocation.PeriodID("2026-07"), ev.EffectivePeriod)
		assert.Equal(t, "bob", ev.CreatedBy)
		assert.True(t, ev.CreatedAt.Equal(created), "created_at %s", ev.CreatedAt)
		assert.Equal(t, "reason "+string(payloads[i].EventType()), ev.Reason)
	}

	adj := events[0].Payload.(allocation.AmountAdjustment)
	assert.True(t, adj.AmountReportingDelta.Equal(d("600.25")))
	assert.True(t, adj.AmountLocalDelta.Equal(d("-3")))
	assert.True(t, events[1].Payload.(allocation.TimelineExtension).NewEndDate.Equal(newEnd))
	profile := events[3].Payload.(allocation.ProfileChange)
	assert.Equal(t, allocation.MethodUsageBased, profile.Recognition.Method)
	assert.True(t, profile.Recognition.Drivers["2026-08"].Equal(d("1.5")))
}

func testLoadEventsPaging(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, record("sch-a")))
	require.NoError(t, st.CreateSchedule(ctx, record("sch-b")))
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.AppendEvent(ctx, adjustment("sch-a", allocation.EventID(i), "1")))
	}
	require.NoError(t, st.AppendEvent(ctx, adjustment("sch-b", 1, "1")))

	page, err := st.LoadEvents(ctx, "sch-a", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, allocation.EventID(2), page[0].ID)
	assert.Equal(t, allocation.EventID(3), page[1].ID)

	rest, err := st.LoadEvents(ctx, "sch-a", 3, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, allocation.EventID(5), rest[1].ID)

	none, err := st.LoadEvents(ctx, "sch-a", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	log := allocation.NewEventLog(st)
	log.PageSize = 2
	all, err := allocation.CollectEvents(log.ListSince(ctx, "sch-a", 0))
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testProjectionRoundTrip(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, record("sch-a")))

	lines, err := allocation.Generate(terms())
	require.NoError(t, err)
	delta := d("600")
	lines[5].AdjustmentDelta = &delta
	lines[5].State = allocation.StateSystemAdjusted
	lines[6].EffectiveFX = nil
	lines[6].AmountLocal = decimal.Zero

	require.NoError(t, st.SaveProjection(ctx, allocation.StoredProjection{
		ScheduleID: "sch-a", Through: 7, Lines: lines, UpdatedAt: created,
	}))
	got, err := st.LoadProjection(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(7), got.Through)
	assert.True(t, allocation.EqualProjections(lines, got.Lines), "first difference %s", allocation.FirstDifference(lines, got.Lines))
	assert.Equal(t, allocation.Digest(lines), allocation.Digest(got.Lines))

	// Saving replaces the whole projection.
	require.NoError(t, st.SaveProjection(ctx, allocation.StoredProjection{
		ScheduleID: "sch-a", Through: 8, Lines: lines[:3], UpdatedAt: created,
	}))
	got, err = st.LoadProjection(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(8), got.Through)
	assert.Len(t, got.Lines, 3)
}

func testTxRollback(t *testing.T, st allocation.TxStore) {
	ctx := context.Background()
	require.NoError(t, st.CreateSchedule(ctx, record("sch-a")))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx allocation.Store) error {
		if err := tx.AppendEvent(ctx, adjustment("sch-a", 1, "5")); err != nil {
			return err
		}
		if err := tx.SaveProjection(ctx, allocation.StoredProjection{ScheduleID: "sch-a", Through: 1, UpdatedAt: created}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	last, err := st.LastEventID(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(0), last)
	_, err = st.LoadProjection(ctx, "sch-a")
	assert.ErrorIs(t, err, allocation.ErrScheduleNotFound)

	err = st.WithTx(ctx, func(tx allocation.Store) error {
		return tx.AppendEvent(ctx, adjustment("sch-a", 1, "5"))
	})
	require.NoError(t, err)
	last, err = st.LastEventID(ctx, "sch-a")
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(1), last)
}

func testServiceEndToEnd(t *testing.T, st allocation.TxStore) {
	// GIVEN: A Service over the store
	// WHEN: A schedule is created, adjusted, closed and reduced
	// THEN: A second Service over the same store rebuilds the same projection

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := allocation.NewService(st, allocation.WithLogger(logger))

	id, _, err := svc.Create(ctx, "sch-e2e", terms(), "alice")
	require.NoError(t, err)
	_, err = svc.ApplyEvent(ctx, id, adjustment("", 0, "600"))
	require.NoError(t, err)
	for _, p := range []allocation.PeriodID{"2026-01", "2026-02"} {
		_, err := svc.ClosePeriod(ctx, id, p, "close-bot")
		require.NoError(t, err)
	}
	res, err := svc.ApplyEvent(ctx, id, allocation.ScheduleEvent{
		EffectivePeriod: "2026-07",
		Payload:         allocation.TimelineReduction{NewEndDate: time.Date(2026, time.September, 30, 0, 0, 0, 0, time.UTC)},
		CreatedBy:       "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, allocation.EventID(4), res.Event.ID)

	other := allocation.NewService(st, allocation.WithLogger(logger))
	verify, err := other.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, verify.Match, "first difference %s", verify.FirstDifference)

	lines, err := other.Projection(ctx, id)
	require.NoError(t, err)
	assert.True(t, allocation.EqualProjections(res.Projection, lines))
	assert.Len(t, lines, 9)
}
