/*
presets.go - Ready-made prepaid terms

These functions build JSON terms for common schedules. They construct JSON
directly to avoid an import cycle with the factory package.

USAGE:
  import "github.com/warp/allocation-engine/prepaid"

  jsonStr := prepaid.AnnualInsuranceJSON("12000.00", "USD", 2026)
  terms, err := factory.ParseTerms([]byte(jsonStr))
*/
package prepaid

import (
	"encoding/json"
	"fmt"
)

// PrepaidExpenseJSON returns JSON for a straight-line prepaid expense of
// months periods starting at start ("YYYY-MM").
func PrepaidExpenseJSON(total, currency, start string, months int) string {
	tj := map[string]interface{}{
		"kind":                   string(KindPrepaidExpense),
		"total_amount_reporting": total,
		"reporting_currency":     currency,
		"start_date":             start,
		"end_date":               addMonths(start, months-1),
		"recognition": map[string]interface{}{
			"method": "straight_line",
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// AnnualInsuranceJSON returns JSON for a calendar-year insurance premium.
func AnnualInsuranceJSON(total, currency string, year int) string {
	return PrepaidExpenseJSON(total, currency, fmt.Sprintf("%04d-01", year), 12)
}

// ForeignPrepaidJSON returns JSON for a prepaid expense invoiced in a
// foreign currency. FX per period is derived, never supplied.
func ForeignPrepaidJSON(totalReporting, reportingCurrency, totalLocal, localCurrency, start string, months int) string {
	tj := map[string]interface{}{
		"kind":                   string(KindPrepaidExpense),
		"total_amount_reporting": totalReporting,
		"total_amount_local":     totalLocal,
		"reporting_currency":     reportingCurrency,
		"local_currency":         localCurrency,
		"start_date":             start,
		"end_date":               addMonths(start, months-1),
		"recognition": map[string]interface{}{
			"method": "straight_line",
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// OpenAccrualJSON returns JSON for an open-ended accrual. currentPeriod
// bounds the generated periods until the schedule is advanced.
func OpenAccrualJSON(total, currency, start, currentPeriod string) string {
	tj := map[string]interface{}{
		"kind":                   string(KindAccrual),
		"total_amount_reporting": total,
		"reporting_currency":     currency,
		"start_date":             start,
		"current_period":         currentPeriod,
		"recognition": map[string]interface{}{
			"method": "straight_line",
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// Milestone is a named share of a revenue contract.
type Milestone struct {
	Name   string
	Period string
	Weight string
}

// MilestoneContractJSON returns JSON for a revenue contract recognized at
// milestones between start and end.
func MilestoneContractJSON(total, currency, start, end string, milestones []Milestone) string {
	ms := make([]map[string]interface{}, 0, len(milestones))
	for _, m := range milestones {
		ms = append(ms, map[string]interface{}{
			"name":   m.Name,
			"period": m.Period,
			"weight": m.Weight,
		})
	}
	tj := map[string]interface{}{
		"kind":                   string(KindRevenueContract),
		"total_amount_reporting": total,
		"reporting_currency":     currency,
		"start_date":             start,
		"end_date":               end,
		"recognition": map[string]interface{}{
			"method":     "milestone",
			"milestones": ms,
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// UsageContractJSON returns JSON for a revenue contract recognized in
// proportion to per-period usage drivers.
func UsageContractJSON(total, currency, start, end string, drivers map[string]string) string {
	tj := map[string]interface{}{
		"kind":                   string(KindRevenueContract),
		"total_amount_reporting": total,
		"reporting_currency":     currency,
		"start_date":             start,
		"end_date":               end,
		"recognition": map[string]interface{}{
			"method":  "usage_based",
			"drivers": drivers,
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// addMonths adds n months to a "YYYY-MM" period.
func addMonths(period string, n int) string {
	var y, m int
	if _, err := fmt.Sscanf(period, "%d-%d", &y, &m); err != nil {
		return period
	}
	total := y*12 + (m - 1) + n
	return fmt.Sprintf("%04d-%02d", total/12, total%12+1)
}
