/*
generator.go - Initial period generation from schedule terms

PURPOSE:
  Builds the base projection of a schedule: one PeriodLine per month from
  the start period through the end period (or the current period for
  open-ended schedules), each holding its share of the total.

ALGORITHM:
  1. Validate terms
  2. Enumerate periods [start, end]
  3. Split the reporting total and the local total with the same method
  4. Mark periods before the onboarding boundary EXTERNAL
  5. Derive cumulative, remaining and effective FX

EXTERNAL HISTORY:
  When the prior system supplied actual amounts for pre-onboarding periods,
  those amounts are used verbatim and only the system-owned periods split
  what is left:

    total 12,000, onboarding 2026-04, history 01-03 = 3 x 1,200
    -> 04..12 split 8,400 = 9 x 933.33 (+0.03 on 12)

EDGE CASES:
  - start == end: exactly one period holding the full amount
  - negative totals: same rules, same sign throughout
  - zero local total: every line has undefined FX

SEE ALSO:
  - method.go: The per-method split
  - engine.go: Regeneration after events
*/
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TERMS VALIDATION
// =============================================================================

// ValidateTerms checks a schedule definition. Errors are *InvalidTermsError.
func ValidateTerms(t ScheduleTerms) error {
	if !t.ReportingCurrency.Valid() {
		return invalidTerms("reporting_currency", "unknown currency %q", t.ReportingCurrency)
	}
	if !t.LocalCurrency.Valid() {
		return invalidTerms("local_currency", "unknown currency %q", t.LocalCurrency)
	}
	if t.TotalAmountReporting.Sign()*t.TotalAmountLocal.Sign() < 0 {
		return invalidTerms("total_amount_local", "sign differs from total_amount_reporting")
	}
	if t.StartDate.IsZero() {
		return invalidTerms("start_date", "required")
	}
	if t.EndDate != nil {
		if t.EndDate.Before(t.StartDate) {
			return invalidTerms("end_date", "end date %s precedes start date %s",
				t.EndDate.Format("2006-01-02"), t.StartDate.Format("2006-01-02"))
		}
	} else {
		if t.CurrentPeriod == "" {
			return invalidTerms("current_period", "required for open-ended schedules")
		}
		if !t.CurrentPeriod.Valid() {
			return invalidTerms("current_period", "%q is not YYYY-MM", t.CurrentPeriod)
		}
		if t.CurrentPeriod.Before(t.StartPeriod()) {
			return invalidTerms("current_period", "%s precedes start period %s", t.CurrentPeriod, t.StartPeriod())
		}
	}
	if err := t.Recognition.Validate(); err != nil {
		return invalidTerms("recognition", "%v", err)
	}

	start, end := t.StartPeriod(), t.EndPeriod()
	if t.OnboardingPeriod != "" {
		if !t.OnboardingPeriod.Valid() {
			return invalidTerms("onboarding_period", "%q is not YYYY-MM", t.OnboardingPeriod)
		}
		if t.OnboardingPeriod.Before(start) || t.OnboardingPeriod.After(end) {
			return invalidTerms("onboarding_period", "%s outside [%s, %s]", t.OnboardingPeriod, start, end)
		}
	}
	if len(t.ExternalHistory) > 0 {
		if t.OnboardingPeriod == "" {
			return invalidTerms("external_history", "requires onboarding_period")
		}
		seen := make(map[PeriodID]bool, len(t.ExternalHistory))
		for _, h := range t.ExternalHistory {
			if !h.Period.Valid() || h.Period.Before(start) || h.Period.AfterOrEqual(t.OnboardingPeriod) {
				return invalidTerms("external_history", "period %q must be in [%s, %s)", h.Period, start, t.OnboardingPeriod)
			}
			if seen[h.Period] {
				return invalidTerms("external_history", "duplicate period %s", h.Period)
			}
			seen[h.Period] = true
		}
		for _, p := range PeriodRange(start, t.OnboardingPeriod.Prev()) {
			if !seen[p] {
				return invalidTerms("external_history", "missing period %s, history must cover [%s, %s)", p, start, t.OnboardingPeriod)
			}
		}
	}

	if t.Recognition.Method == MethodUsageBased {
		sum := decimal.Zero
		for _, p := range PeriodRange(start, end) {
			sum = sum.Add(t.Recognition.Drivers[p])
		}
		if !sum.IsPositive() {
			return invalidTerms("recognition", "usage drivers sum to zero over %s..%s", start, end)
		}
	}
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate builds the base projection for a schedule.
func Generate(t ScheduleTerms) ([]PeriodLine, error) {
	if err := ValidateTerms(t); err != nil {
		return nil, err
	}
	alloc, err := allocatorFor(t.Recognition)
	if err != nil {
		return nil, invalidTerms("recognition", "%v", err)
	}

	periods := PeriodRange(t.StartPeriod(), t.EndPeriod())
	boundary := t.OnboardingPeriod

	// Split point between EXTERNAL and system-owned periods.
	split := 0
	if boundary != "" {
		split = MonthsBetween(t.StartPeriod(), boundary)
	}

	lines := make([]PeriodLine, len(periods))
	systemPeriods := periods
	totalR, totalL := t.TotalAmountReporting, t.TotalAmountLocal

	if len(t.ExternalHistory) > 0 {
		history := make(map[PeriodID]ExternalAmount, len(t.ExternalHistory))
		for _, h := range t.ExternalHistory {
			history[h.Period] = h
		}
		for i := 0; i < split; i++ {
			h := history[periods[i]]
			lines[i] = PeriodLine{
				Period:          periods[i],
				State:           StateExternal,
				AmountReporting: h.AmountReporting,
				AmountLocal:     h.AmountLocal,
				Explanation:     "external: reported by prior system of record",
			}
			totalR = totalR.Sub(h.AmountReporting)
			totalL = totalL.Sub(h.AmountLocal)
		}
		systemPeriods = periods[split:]
	}

	offset := len(periods) - len(systemPeriods)
	rep := alloc.Allocate(totalR, systemPeriods, t.ReportingCurrency)
	loc := alloc.Allocate(totalL, systemPeriods, t.LocalCurrency)
	for i := range systemPeriods {
		state := StateSystemBase
		explanation := rep[i].Note
		if offset+i < split {
			state = StateExternal
			explanation = "external: " + explanation
		}
		lines[offset+i] = PeriodLine{
			Period:          systemPeriods[i],
			State:           state,
			AmountReporting: rep[i].Amount,
			AmountLocal:     loc[i].Amount,
			Explanation:     explanation,
		}
	}

	for i := range lines {
		lines[i].BaseAmountReporting = lines[i].AmountReporting
	}
	rederive(lines, t.TotalAmountReporting, 0, true)

	if err := checkTotals("", lines, t.TotalAmountReporting, t.TotalAmountLocal); err != nil {
		return nil, err
	}
	return lines, nil
}

// =============================================================================
// DERIVED FIELDS
// =============================================================================

// rederive recomputes cumulative, remaining and effective FX for lines
// from index from onward. Unless all is set, CLOSED and EXTERNAL lines keep
// their stored values; they still contribute to the running cumulative.
func rederive(lines []PeriodLine, targetReporting decimal.Decimal, from int, all bool) {
	cum := decimal.Zero
	for i := range lines {
		l := &lines[i]
		cum = cum.Add(l.AmountReporting)
		if i < from {
			continue
		}
		if !all && (l.State == StateClosed || l.State == StateExternal) {
			continue
		}
		l.CumulativeAmountReporting = cum
		l.RemainingAmountReporting = targetReporting.Sub(cum)
		l.EffectiveFX = deriveFXPtr(l.AmountReporting, l.AmountLocal)
	}
}

func sumLines(lines []PeriodLine) (reporting, local decimal.Decimal) {
	for _, l := range lines {
		reporting = reporting.Add(l.AmountReporting)
		local = local.Add(l.AmountLocal)
	}
	return reporting, local
}

// checkTotals verifies both currencies reconcile exactly to their targets.
func checkTotals(id ScheduleID, lines []PeriodLine, targetR, targetL decimal.Decimal) error {
	r, l := sumLines(lines)
	if !r.Equal(targetR) {
		return &ReconciliationError{ScheduleID: id, Check: "total_reporting", Expected: targetR, Actual: r}
	}
	if !l.Equal(targetL) {
		return &ReconciliationError{ScheduleID: id, Check: "total_local", Expected: targetL, Actual: l}
	}
	return nil
}

// periodIndex returns the position of p in lines, or -1.
func periodIndex(lines []PeriodLine, p PeriodID) int {
	if len(lines) == 0 {
		return -1
	}
	i := MonthsBetween(lines[0].Period, p)
	if i < 0 || i >= len(lines) || lines[i].Period != p {
		return -1
	}
	return i
}

func describeRange(lines []PeriodLine) string {
	if len(lines) == 0 {
		return "empty schedule"
	}
	return fmt.Sprintf("[%s, %s]", lines[0].Period, lines[len(lines)-1].Period)
}
