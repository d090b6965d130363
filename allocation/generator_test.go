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
// BASE PROJECTION
// =============================================================================

func TestGenerate_StraightLine_TwelveMonths(t *testing.T) {
	// GIVEN: 12,000 USD / 11,000 EUR straight-line over 2026
	// WHEN: Generating the base projection
	// THEN: 12 lines of 1,000.00 reporting, the local remainder on December

	lines, err := allocation.Generate(straightLineTerms())
	require.NoError(t, err)
	require.Len(t, lines, 12)

	for i, l := range lines {
		assert.Equal(t, allocation.NewPeriodID(2026, time.Month(i+1)), l.Period)
		assert.Equal(t, allocation.StateSystemBase, l.State)
		assert.True(t, l.AmountReporting.Equal(d("1000.00")), "period %s: %s", l.Period, l.AmountReporting)
		assert.True(t, l.BaseAmountReporting.Equal(l.AmountReporting))
		assert.Nil(t, l.AdjustmentDelta)
		assert.True(t, l.CumulativeAmountReporting.Equal(d("1000").Mul(d(itoa(i+1)))))
		assert.True(t, l.RemainingAmountReporting.Equal(d("12000").Sub(l.CumulativeAmountReporting)))
		require.NotNil(t, l.EffectiveFX)
		assert.True(t, l.EffectiveFX.Sub(d("1.0909")).Abs().LessThan(d("0.001")), "fx %s", l.EffectiveFX)
	}
	assert.True(t, lines[0].AmountLocal.Equal(d("916.66")))
	assert.True(t, lines[11].AmountLocal.Equal(d("916.74")))
	assert.True(t, lines[0].EffectiveFX.Round(4).Equal(d("1.0909")))

	r, l := totals(lines)
	assert.True(t, r.Equal(d("12000.00")))
	assert.True(t, l.Equal(d("11000.00")))
}

func TestGenerate_SinglePeriod(t *testing.T) {
	terms := straightLineTerms()
	terms.StartDate = date(2026, time.March, 3)
	terms.EndDate = datePtr(2026, time.March, 28)

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, allocation.PeriodID("2026-03"), lines[0].Period)
	assert.True(t, lines[0].AmountReporting.Equal(d("12000")))
	assert.True(t, lines[0].AmountLocal.Equal(d("11000")))
	assert.True(t, lines[0].RemainingAmountReporting.IsZero())
}

func TestGenerate_NegativeTotal_SameSignThroughout(t *testing.T) {
	terms := straightLineTerms()
	terms.TotalAmountReporting = d("-100.00")
	terms.TotalAmountLocal = d("-100.00")
	terms.LocalCurrency = "USD"
	terms.EndDate = datePtr(2026, time.March, 31)

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.True(t, lines[0].AmountReporting.Equal(d("-33.33")))
	assert.True(t, lines[1].AmountReporting.Equal(d("-33.33")))
	assert.True(t, lines[2].AmountReporting.Equal(d("-33.34")))
	for _, l := range lines {
		assert.True(t, l.AmountReporting.IsNegative())
	}
}

func TestGenerate_ZeroLocalTotal_FXUndefined(t *testing.T) {
	// GIVEN: A schedule with no local amount
	// THEN: Every line has a nil effective FX, not an error

	terms := straightLineTerms()
	terms.TotalAmountLocal = d("0")

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	for _, l := range lines {
		assert.True(t, l.AmountLocal.IsZero())
		assert.Nil(t, l.EffectiveFX, "period %s", l.Period)
	}
}

func TestGenerate_ZeroDecimalCurrency(t *testing.T) {
	terms := straightLineTerms()
	terms.TotalAmountReporting = d("1000")
	terms.TotalAmountLocal = d("1000")
	terms.ReportingCurrency = "JPY"
	terms.LocalCurrency = "JPY"
	terms.EndDate = datePtr(2026, time.March, 31)

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	assert.True(t, lines[0].AmountReporting.Equal(d("333")))
	assert.True(t, lines[1].AmountReporting.Equal(d("333")))
	assert.True(t, lines[2].AmountReporting.Equal(d("334")))
}

func TestGenerate_OnboardingWithoutHistory(t *testing.T) {
	// GIVEN: Onboarded in April, no prior-system amounts supplied
	// THEN: January to March are EXTERNAL and keep their generated share

	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-04"

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	for i, l := range lines {
		if i < 3 {
			assert.Equal(t, allocation.StateExternal, l.State, "period %s", l.Period)
		} else {
			assert.Equal(t, allocation.StateSystemBase, l.State, "period %s", l.Period)
		}
		assert.True(t, l.AmountReporting.Equal(d("1000")))
	}
}

func TestGenerate_ExternalHistory(t *testing.T) {
	// GIVEN: The prior system reported 1,200 for each of January to March
	// WHEN: Generating
	// THEN: History is kept verbatim and April to December split the rest

	terms := straightLineTerms()
	terms.OnboardingPeriod = "2026-04"
	for _, p := range []allocation.PeriodID{"2026-01", "2026-02", "2026-03"} {
		terms.ExternalHistory = append(terms.ExternalHistory, allocation.ExternalAmount{
			Period: p, AmountReporting: d("1200"), AmountLocal: d("1100"),
		})
	}

	lines, err := allocation.Generate(terms)
	require.NoError(t, err)
	require.Len(t, lines, 12)

	assert.Equal(t, allocation.StateExternal, lines[0].State)
	assert.True(t, lines[0].AmountReporting.Equal(d("1200")))
	assert.Contains(t, lines[0].Explanation, "external")
	assert.True(t, lines[3].AmountReporting.Equal(d("933.33")))
	assert.True(t, lines[11].AmountReporting.Equal(d("933.36")))
	assert.True(t, lines[11].AmountLocal.Equal(d("855.60")))

	r, l := totals(lines)
	assert.True(t, r.Equal(d("12000")))
	assert.True(t, l.Equal(d("11000")))
}

func TestGenerate_OpenEnded_UsesCurrentPeriod(t *testing.T) {
	lines, err := allocation.Generate(openEndedTerms("2026-03"))
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.True(t, l.AmountReporting.Equal(d("800")))
	}
}

// =============================================================================
// TERMS VALIDATION
// =============================================================================

func TestValidateTerms_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*allocation.ScheduleTerms)
		field  string
	}{
		{"unknown reporting currency", func(t *allocation.ScheduleTerms) { t.ReportingCurrency = "ABC" }, "reporting_currency"},
		{"unknown local currency", func(t *allocation.ScheduleTerms) { t.LocalCurrency = "" }, "local_currency"},
		{"sign mismatch", func(t *allocation.ScheduleTerms) { t.TotalAmountLocal = d("-1") }, "total_amount_local"},
		{"missing start", func(t *allocation.ScheduleTerms) { t.StartDate = time.Time{} }, "start_date"},
		{"end before start", func(t *allocation.ScheduleTerms) { t.EndDate = datePtr(2025, time.June, 30) }, "end_date"},
		{"open-ended without current", func(t *allocation.ScheduleTerms) { t.EndDate = nil }, "current_period"},
		{"current before start", func(t *allocation.ScheduleTerms) { t.EndDate, t.CurrentPeriod = nil, "2025-12" }, "current_period"},
		{"missing method", func(t *allocation.ScheduleTerms) { t.Recognition.Method = "" }, "recognition"},
		{"unknown method", func(t *allocation.ScheduleTerms) { t.Recognition.Method = "sum_of_digits" }, "recognition"},
		{"declining rate above one", func(t *allocation.ScheduleTerms) {
			t.Recognition = allocation.Recognition{Method: allocation.MethodDecliningBalance, Rate: d("1.5")}
		}, "recognition"},
		{"usage drivers sum to zero", func(t *allocation.ScheduleTerms) {
			t.Recognition = allocation.Recognition{
				Method:  allocation.MethodUsageBased,
				Drivers: map[allocation.PeriodID]decimal.Decimal{"2027-01": d("5")},
			}
		}, "recognition"},
		{"milestone without weight", func(t *allocation.ScheduleTerms) {
			t.Recognition = allocation.Recognition{
				Method:     allocation.MethodMilestone,
				Milestones: []allocation.Milestone{{Name: "kickoff", Period: "2026-01"}},
			}
		}, "recognition"},
		{"onboarding outside range", func(t *allocation.ScheduleTerms) { t.OnboardingPeriod = "2027-02" }, "onboarding_period"},
		{"history without onboarding", func(t *allocation.ScheduleTerms) {
			t.ExternalHistory = []allocation.ExternalAmount{{Period: "2026-01"}}
		}, "external_history"},
		{"history with a gap", func(t *allocation.ScheduleTerms) {
			t.OnboardingPeriod = "2026-04"
			t.ExternalHistory = []allocation.ExternalAmount{
				{Period: "2026-01", AmountReporting: d("1000"), AmountLocal: d("900")},
				{Period: "2026-03", AmountReporting: d("1000"), AmountLocal: d("900")},
			}
		}, "external_history"},
		{"history after onboarding", func(t *allocation.ScheduleTerms) {
			t.OnboardingPeriod = "2026-03"
			t.ExternalHistory = []allocation.ExternalAmount{{Period: "2026-03"}}
		}, "external_history"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := straightLineTerms()
			tt.mutate(&terms)

			_, err := allocation.Generate(terms)
			require.Error(t, err)
			assert.ErrorIs(t, err, allocation.ErrInvalidTerms)
			var te *allocation.InvalidTermsError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.field, te.Field)
			assert.True(t, allocation.IsClientError(err))
		})
	}
}

func TestCreate_RequiresID(t *testing.T) {
	_, err := allocation.Create("", straightLineTerms())
	assert.ErrorIs(t, err, allocation.ErrInvalidTerms)
}

func itoa(i int) string { return decimal.NewFromInt(int64(i)).String() }
