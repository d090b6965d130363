package allocation_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, day int) *time.Time {
	t := date(y, m, day)
	return &t
}

// straightLineTerms is 12,000 USD / 11,000 EUR over calendar 2026.
func straightLineTerms() allocation.ScheduleTerms {
	return allocation.ScheduleTerms{
		Kind:                 "prepaid_expense",
		TotalAmountReporting: d("12000.00"),
		TotalAmountLocal:     d("11000.00"),
		ReportingCurrency:    "USD",
		LocalCurrency:        "EUR",
		StartDate:            date(2026, time.January, 1),
		EndDate:              datePtr(2026, time.December, 31),
		Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
	}
}

func openEndedTerms(current allocation.PeriodID) allocation.ScheduleTerms {
	return allocation.ScheduleTerms{
		TotalAmountReporting: d("2400.00"),
		TotalAmountLocal:     d("2400.00"),
		ReportingCurrency:    "USD",
		LocalCurrency:        "USD",
		StartDate:            date(2026, time.January, 1),
		CurrentPeriod:        current,
		Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
	}
}

func adjustment(period allocation.PeriodID, reporting, local string) allocation.ScheduleEvent {
	return allocation.ScheduleEvent{
		EffectivePeriod: period,
		Payload: allocation.AmountAdjustment{
			AmountReportingDelta: d(reporting),
			AmountLocalDelta:     d(local),
		},
		Reason:    "true-up",
		CreatedBy: "alice",
	}
}

func reduction(period allocation.PeriodID, end time.Time) allocation.ScheduleEvent {
	return allocation.ScheduleEvent{
		EffectivePeriod: period,
		Payload:         allocation.TimelineReduction{NewEndDate: end},
		Reason:          "contract shortened",
		CreatedBy:       "alice",
	}
}

func newSchedule(t *testing.T, terms allocation.ScheduleTerms) *allocation.Schedule {
	t.Helper()
	s, err := allocation.Create("sch-1", terms)
	require.NoError(t, err)
	return s
}

func closeThrough(t *testing.T, s *allocation.Schedule, last allocation.PeriodID) {
	t.Helper()
	for _, p := range allocation.PeriodRange(s.FirstOpenPeriod(), last) {
		_, err := s.ClosePeriod(p, "close-bot")
		require.NoError(t, err)
	}
}

func lineAt(t *testing.T, lines []allocation.PeriodLine, p allocation.PeriodID) allocation.PeriodLine {
	t.Helper()
	for _, l := range lines {
		if l.Period == p {
			return l
		}
	}
	t.Fatalf("period %s not in projection", p)
	return allocation.PeriodLine{}
}

func totals(lines []allocation.PeriodLine) (reporting, local decimal.Decimal) {
	for _, l := range lines {
		reporting = reporting.Add(l.AmountReporting)
		local = local.Add(l.AmountLocal)
	}
	return reporting, local
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time { return date(2026, time.June, 15) }

func newService(t *testing.T, opts ...allocation.Option) (*allocation.Service, *store.TxMemory) {
	t.Helper()
	st := store.NewTxMemory()
	opts = append([]allocation.Option{
		allocation.WithLogger(quietLogger()),
		allocation.WithClock(fixedClock),
	}, opts...)
	return allocation.NewService(st, opts...), st
}
