/*
Package capital provides schedule kinds for balance-sheet items allocated
over a useful life or a term: fixed assets, debt instruments and
investments.

PURPOSE:
  Demonstrates the versatility of the allocation engine beyond prepaid
  expenses. The same engine handles:
  - Depreciation of fixed assets (straight-line or declining balance)
  - Amortization of debt issuance costs and discounts
  - Amortization of investment premiums

KEY DIFFERENCES FROM PREPAID:
  1. Fixed assets default to double-declining balance over their life
  2. Disposal stops the schedule early and writes off the net book value
  3. Revaluations adjust the carrying amount from a period forward

KINDS:
  fixed_asset:      cost depreciated over the useful life
  debt_instrument:  discount/issuance costs amortized over the term
  investment:       premium amortized to maturity

SEE ALSO:
  - presets.go: Ready-made terms
  - events.go: Disposal and revaluation events
  - prepaid/: Comparison with prepaid implementation
*/
package capital

import (
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// CAPITAL KINDS
// =============================================================================

// Kind is the concrete schedule kind for the capital domain.
// Implements allocation.Kind.
type Kind string

func (k Kind) KindID() string     { return string(k) }
func (k Kind) KindDomain() string { return "capital" }

// Compile-time checks
var (
	_ allocation.Kind           = Kind("")
	_ allocation.TermsValidator = Kind("")
	_ allocation.TermsDefaulter = Kind("")
)

const (
	KindFixedAsset     Kind = "fixed_asset"
	KindDebtInstrument Kind = "debt_instrument"
	KindInvestment     Kind = "investment"
)

// Register all capital kinds with the allocation registry
func init() {
	allocation.RegisterKind(KindFixedAsset)
	allocation.RegisterKind(KindDebtInstrument)
	allocation.RegisterKind(KindInvestment)
}

// DefaultTerms fills the recognition method when it was omitted. Fixed
// assets get double-declining balance over their life, the rest
// straight-line.
func (k Kind) DefaultTerms(t allocation.ScheduleTerms) allocation.ScheduleTerms {
	if t.Recognition.Method != "" {
		return t
	}
	if k == KindFixedAsset && !t.IsOpenEnded() {
		t.Recognition = allocation.Recognition{
			Method: allocation.MethodDecliningBalance,
			Rate:   DoubleDecliningRate(allocation.MonthsBetween(t.StartPeriod(), t.EndPeriod()) + 1),
		}
		return t
	}
	t.Recognition.Method = allocation.MethodStraightLine
	return t
}

// DoubleDecliningRate returns 2/n per period, capped at 1.
func DoubleDecliningRate(periods int) decimal.Decimal {
	if periods <= 2 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(2).DivRound(decimal.NewFromInt(int64(periods)), 6)
}

// ValidateTerms applies the per-kind rules on top of the engine's own.
func (k Kind) ValidateTerms(t allocation.ScheduleTerms) error {
	if t.IsOpenEnded() {
		return &allocation.InvalidTermsError{Field: "end_date", Reason: string(k) + " needs a useful life or maturity date"}
	}
	switch k {
	case KindFixedAsset:
		if !t.TotalAmountReporting.IsPositive() {
			return &allocation.InvalidTermsError{Field: "total_amount_reporting", Reason: "depreciable cost must be positive"}
		}
		switch t.Recognition.Method {
		case allocation.MethodStraightLine, allocation.MethodDecliningBalance, allocation.MethodUsageBased:
		default:
			return &allocation.InvalidTermsError{
				Field:  "recognition.method",
				Reason: "fixed assets depreciate straight-line, declining balance or by units of production",
			}
		}

	case KindDebtInstrument, KindInvestment:
		if t.Recognition.Method != allocation.MethodStraightLine {
			return &allocation.InvalidTermsError{
				Field:  "recognition.method",
				Reason: string(k) + " amortization is straight-line",
			}
		}
	}
	return nil
}
