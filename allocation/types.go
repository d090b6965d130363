/*
Package allocation provides the period allocation engine.

PURPOSE:
  This package spreads a financial amount (prepaid expense, fixed asset cost,
  accrual, revenue contract, debt instrument, investment) across a sequence of
  accounting periods. The same engine handles schedule generation, adjustment
  events, period closing and early termination, regardless of what kind of
  schedule is being allocated.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: ISO-4217 code with minor-unit precision
  - ScheduleTerms: Read-only snapshot of what is being allocated
  - PeriodLine: One accounting period's allocation fact
  - Schedule/Event IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Event sourcing: current state = fold(events, generate(terms))
  2. Precision: Uses decimal.Decimal, amounts truncated at the currency's minor unit
  3. Derived FX: effective FX is always computed, never an input
  4. Immutability: CLOSED periods never change once closed

USAGE:
  terms := allocation.ScheduleTerms{
      TotalAmountReporting: decimal.NewFromInt(12000),
      TotalAmountLocal:     decimal.NewFromInt(11000),
      StartDate:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
      EndDate:              &end,
      Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
      ReportingCurrency:    "USD",
      LocalCurrency:        "EUR",
  }
  schedule, err := allocation.Create("sch-1", terms)

SEE ALSO:
  - generator.go: Initial period generation
  - engine.go: Event application and replay
  - aggregate.go: The Schedule aggregate
  - service.go: Multi-schedule façade with persistence
*/
package allocation

import (
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY - ISO code with minor-unit precision
// =============================================================================

// Currency is an ISO-4217 currency code.
type Currency string

func (c Currency) lookup() *money.Currency {
	if c == "" {
		return nil
	}
	return money.GetCurrency(string(c))
}

// Valid reports whether the code is a known ISO-4217 currency.
func (c Currency) Valid() bool { return c.lookup() != nil }

// Scale returns the number of minor-unit digits (2 for USD, 0 for JPY).
// Unknown currencies default to 2.
func (c Currency) Scale() int32 {
	if cur := c.lookup(); cur != nil {
		return int32(cur.Fraction)
	}
	return 2
}

// Truncate cuts the value down to the currency's minor unit, toward zero.
func (c Currency) Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(c.Scale())
}

// Format renders an amount using the currency's display template.
func (c Currency) Format(d decimal.Decimal) string {
	cur := c.lookup()
	if cur == nil {
		return d.StringFixed(2) + " " + string(c)
	}
	minor := d.Shift(int32(cur.Fraction)).Truncate(0).IntPart()
	return cur.Formatter().Format(minor)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ScheduleID string

// EventID is a per-schedule, strictly increasing event sequence number.
// The first event of a schedule has ID 1.
type EventID int64

// =============================================================================
// RECOGNITION METHOD - How a total is split across periods
// =============================================================================

type RecognitionMethod string

const (
	MethodStraightLine     RecognitionMethod = "straight_line"
	MethodDecliningBalance RecognitionMethod = "declining_balance"
	MethodUsageBased       RecognitionMethod = "usage_based"
	MethodMilestone        RecognitionMethod = "milestone"
)

// Milestone ties a lump share of the total to a named period.
type Milestone struct {
	Name   string          `json:"name"`
	Period PeriodID        `json:"period"`
	Weight decimal.Decimal `json:"weight"`
}

// Recognition is a recognition method together with its parameters.
// Only the fields relevant to Method are read.
type Recognition struct {
	Method RecognitionMethod `json:"method"`

	// Declining balance: fixed rate applied to each period's opening balance.
	Rate decimal.Decimal `json:"rate,omitempty"`

	// Usage based: external driver per period (units, hours, km...).
	Drivers map[PeriodID]decimal.Decimal `json:"drivers,omitempty"`

	// Milestone: lump shares tied to named milestones.
	Milestones []Milestone `json:"milestones,omitempty"`
}

// =============================================================================
// SCHEDULE TERMS - Immutable input snapshot
// =============================================================================

// ExternalAmount is a period amount sourced from the prior system of record.
type ExternalAmount struct {
	Period          PeriodID        `json:"period"`
	AmountReporting decimal.Decimal `json:"amount_reporting"`
	AmountLocal     decimal.Decimal `json:"amount_local"`
}

// ScheduleTerms describes what is being allocated. The engine receives a
// read-only snapshot from the schedule master record.
type ScheduleTerms struct {
	Kind string `json:"kind,omitempty"`

	TotalAmountReporting decimal.Decimal `json:"total_amount_reporting"`
	TotalAmountLocal     decimal.Decimal `json:"total_amount_local"`
	ReportingCurrency    Currency        `json:"reporting_currency"`
	LocalCurrency        Currency        `json:"local_currency"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// CurrentPeriod bounds generation for open-ended schedules (EndDate nil).
	CurrentPeriod PeriodID `json:"current_period,omitempty"`

	Recognition Recognition `json:"recognition"`

	// OnboardingPeriod is the first period owned by this system. Earlier
	// periods are EXTERNAL. Empty means the schedule is fully owned.
	OnboardingPeriod PeriodID         `json:"onboarding_period,omitempty"`
	ExternalHistory  []ExternalAmount `json:"external_history,omitempty"`
}

// StartPeriod returns the first period of the schedule.
func (t ScheduleTerms) StartPeriod() PeriodID { return PeriodOf(t.StartDate) }

// EndPeriod returns the last generated period: the end date's period, or the
// current period for open-ended schedules.
func (t ScheduleTerms) EndPeriod() PeriodID {
	if t.EndDate != nil {
		return PeriodOf(*t.EndDate)
	}
	return t.CurrentPeriod
}

// IsOpenEnded returns true when the schedule has no contractual end date.
func (t ScheduleTerms) IsOpenEnded() bool { return t.EndDate == nil }

// =============================================================================
// PERIOD LINE - One period's allocation fact
// =============================================================================

type PeriodState string

const (
	StateExternal       PeriodState = "EXTERNAL"        // Before onboarding, owned by prior system
	StateSystemBase     PeriodState = "SYSTEM_BASE"     // Generated, never touched by an event
	StateSystemAdjusted PeriodState = "SYSTEM_ADJUSTED" // Touched by at least one event
	StateClosed         PeriodState = "CLOSED"          // Frozen by period close
	StateStopped        PeriodState = "STOPPED"         // Schedule terminated here
)

// IsOpen returns true for states that still absorb adjustments.
func (s PeriodState) IsOpen() bool {
	return s == StateSystemBase || s == StateSystemAdjusted
}

// PeriodLine is one accounting period's allocation fact.
type PeriodLine struct {
	Period PeriodID    `json:"period"`
	State  PeriodState `json:"state"`

	AmountReporting           decimal.Decimal `json:"amount_reporting"`
	AmountLocal               decimal.Decimal `json:"amount_local"`
	CumulativeAmountReporting decimal.Decimal `json:"cumulative_amount_reporting"`
	RemainingAmountReporting  decimal.Decimal `json:"remaining_amount_reporting"`

	// EffectiveFX is nil when AmountLocal is zero.
	EffectiveFX *decimal.Decimal `json:"effective_fx,omitempty"`

	// AdjustmentDelta is nil until an event changes this period.
	AdjustmentDelta *decimal.Decimal `json:"adjustment_delta,omitempty"`

	// BaseAmountReporting is the amount the generator originally assigned.
	BaseAmountReporting decimal.Decimal `json:"base_amount_reporting"`

	Explanation string `json:"explanation"`
}

// Equal compares two lines by value.
func (l PeriodLine) Equal(o PeriodLine) bool {
	return l.Period == o.Period &&
		l.State == o.State &&
		l.AmountReporting.Equal(o.AmountReporting) &&
		l.AmountLocal.Equal(o.AmountLocal) &&
		l.CumulativeAmountReporting.Equal(o.CumulativeAmountReporting) &&
		l.RemainingAmountReporting.Equal(o.RemainingAmountReporting) &&
		equalOptional(l.EffectiveFX, o.EffectiveFX) &&
		equalOptional(l.AdjustmentDelta, o.AdjustmentDelta) &&
		l.BaseAmountReporting.Equal(o.BaseAmountReporting) &&
		l.Explanation == o.Explanation
}

func equalOptional(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneLines(lines []PeriodLine) []PeriodLine {
	out := make([]PeriodLine, len(lines))
	copy(out, lines)
	return out
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
