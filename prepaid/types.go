/*
Package prepaid provides schedule kinds for amounts recognized over a
service period: prepaid expenses, accruals and revenue contracts.

PURPOSE:
  Demonstrates the allocation engine on the "expense/revenue over time"
  side of the ledger. The engine is kind-agnostic; this package only adds
  per-kind rules and defaults:

    prepaid_expense   insurance, rent, licences paid up front. Needs an end
                      date and a non-negative total. Straight-line by default.
    accrual           costs incurred before they are invoiced (utilities,
                      bonuses). May be open-ended: the current period moves
                      forward with Service.Advance.
    revenue_contract  deferred revenue released over a contract. Straight-line,
                      usage-based or milestone recognition only.

SEE ALSO:
  - presets.go: Ready-made terms JSON for common schedules
  - capital/: Fixed assets, debt instruments and investments
*/
package prepaid

import (
	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// PREPAID KINDS
// =============================================================================

// Kind is the concrete schedule kind for the prepaid domain.
// Implements allocation.Kind.
type Kind string

func (k Kind) KindID() string     { return string(k) }
func (k Kind) KindDomain() string { return "prepaid" }

// Compile-time checks
var (
	_ allocation.Kind           = Kind("")
	_ allocation.TermsValidator = Kind("")
	_ allocation.TermsDefaulter = Kind("")
)

const (
	KindPrepaidExpense  Kind = "prepaid_expense"
	KindAccrual         Kind = "accrual"
	KindRevenueContract Kind = "revenue_contract"
)

// Register all prepaid kinds with the allocation registry
func init() {
	allocation.RegisterKind(KindPrepaidExpense)
	allocation.RegisterKind(KindAccrual)
	allocation.RegisterKind(KindRevenueContract)
}

// DefaultTerms fills the recognition method when it was omitted.
func (k Kind) DefaultTerms(t allocation.ScheduleTerms) allocation.ScheduleTerms {
	if t.Recognition.Method == "" {
		t.Recognition.Method = allocation.MethodStraightLine
	}
	return t
}

// ValidateTerms applies the per-kind rules on top of the engine's own.
func (k Kind) ValidateTerms(t allocation.ScheduleTerms) error {
	switch k {
	case KindPrepaidExpense:
		if t.IsOpenEnded() {
			return &allocation.InvalidTermsError{Field: "end_date", Reason: "a prepaid expense covers a fixed service period"}
		}
		if t.TotalAmountReporting.IsNegative() {
			return &allocation.InvalidTermsError{Field: "total_amount_reporting", Reason: "a prepaid expense cannot be negative"}
		}

	case KindRevenueContract:
		switch t.Recognition.Method {
		case allocation.MethodStraightLine, allocation.MethodUsageBased, allocation.MethodMilestone:
		default:
			return &allocation.InvalidTermsError{
				Field:  "recognition.method",
				Reason: "revenue is recognized straight-line, usage based or by milestone, not " + string(t.Recognition.Method),
			}
		}
		if t.TotalAmountReporting.IsNegative() {
			return &allocation.InvalidTermsError{Field: "total_amount_reporting", Reason: "contract value cannot be negative"}
		}

	case KindAccrual:
		if t.Recognition.Method == allocation.MethodMilestone {
			return &allocation.InvalidTermsError{Field: "recognition.method", Reason: "accruals do not use milestones"}
		}
	}
	return nil
}
