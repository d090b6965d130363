package capital

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// CAPITAL EVENTS - Domain names for engine events
// =============================================================================

// DisposalEvent stops depreciation in period. The net book value left at
// that point is written off in the same period.
func DisposalEvent(period allocation.PeriodID, reason, actor string) allocation.ScheduleEvent {
	if reason == "" {
		reason = "asset disposed"
	}
	return allocation.ScheduleEvent{
		EffectivePeriod: period,
		Payload:         allocation.Termination{},
		Reason:          reason,
		CreatedBy:       actor,
	}
}

// RevaluationEvent changes the depreciable amount from period on. A
// negative delta is a downward revaluation.
func RevaluationEvent(period allocation.PeriodID, reporting, local decimal.Decimal, actor string) allocation.ScheduleEvent {
	return allocation.ScheduleEvent{
		EffectivePeriod: period,
		Payload: allocation.AmountAdjustment{
			AmountReportingDelta: reporting,
			AmountLocalDelta:     local,
		},
		Reason:    fmt.Sprintf("revaluation %s", reporting.String()),
		CreatedBy: actor,
	}
}

// UsefulLifeChangeEvent moves the end of the useful life to newEnd,
// keeping period and re-spreading the periods after it. Extensions and
// reductions are both handled.
func UsefulLifeChangeEvent(current, newEnd, period allocation.PeriodID, actor string) allocation.ScheduleEvent {
	ev := allocation.ScheduleEvent{
		EffectivePeriod: period,
		Reason:          fmt.Sprintf("useful life now ends %s", newEnd),
		CreatedBy:       actor,
	}
	if newEnd.After(current) {
		ev.Payload = allocation.TimelineExtension{NewEndDate: newEnd.End()}
	} else {
		ev.Payload = allocation.TimelineReduction{NewEndDate: newEnd.End()}
	}
	return ev
}

// NetBookValue is the amount still to be recognized after period. Before
// the first period it is the full depreciable amount.
func NetBookValue(lines []allocation.PeriodLine, period allocation.PeriodID) decimal.Decimal {
	if len(lines) == 0 {
		return decimal.Zero
	}
	if lines[0].Period.After(period) {
		return lines[0].RemainingAmountReporting.Add(lines[0].AmountReporting)
	}
	nbv := lines[0].RemainingAmountReporting
	for _, l := range lines[1:] {
		if l.Period.After(period) {
			break
		}
		nbv = l.RemainingAmountReporting
	}
	return nbv
}
