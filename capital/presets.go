package capital

import (
	"encoding/json"
	"fmt"
)

// FixedAssetJSON returns JSON for a fixed asset depreciated over
// usefulLifeMonths from inService ("YYYY-MM"). The recognition method is
// left to the kind default (double-declining balance).
func FixedAssetJSON(cost, currency, inService string, usefulLifeMonths int) string {
	tj := map[string]interface{}{
		"kind":                   string(KindFixedAsset),
		"total_amount_reporting": cost,
		"reporting_currency":     currency,
		"start_date":             inService,
		"end_date":               addMonths(inService, usefulLifeMonths-1),
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// StraightLineAssetJSON returns JSON for a fixed asset depreciated
// straight-line.
func StraightLineAssetJSON(cost, currency, inService string, usefulLifeMonths int) string {
	tj := map[string]interface{}{
		"kind":                   string(KindFixedAsset),
		"total_amount_reporting": cost,
		"reporting_currency":     currency,
		"start_date":             inService,
		"end_date":               addMonths(inService, usefulLifeMonths-1),
		"recognition": map[string]interface{}{
			"method": "straight_line",
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// DebtDiscountJSON returns JSON for a bond discount amortized to maturity.
func DebtDiscountJSON(discount, currency, issued, maturity string) string {
	tj := map[string]interface{}{
		"kind":                   string(KindDebtInstrument),
		"total_amount_reporting": discount,
		"reporting_currency":     currency,
		"start_date":             issued,
		"end_date":               maturity,
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// InvestmentPremiumJSON returns JSON for an investment premium amortized
// to maturity, bought in a foreign currency.
func InvestmentPremiumJSON(premiumReporting, reportingCurrency, premiumLocal, localCurrency, purchased, maturity string) string {
	tj := map[string]interface{}{
		"kind":                   string(KindInvestment),
		"total_amount_reporting": premiumReporting,
		"total_amount_local":     premiumLocal,
		"reporting_currency":     reportingCurrency,
		"local_currency":         localCurrency,
		"start_date":             purchased,
		"end_date":               maturity,
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
