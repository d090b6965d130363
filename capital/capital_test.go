package capital_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
	"github.com/warp/allocation-engine/capital"
	"github.com/warp/allocation-engine/factory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService() *allocation.Service {
	return allocation.NewService(store.NewTxMemory())
}

func parse(t *testing.T, jsonStr string) allocation.ScheduleTerms {
	terms, err := factory.ParseTerms([]byte(jsonStr))
	require.NoError(t, err)
	return terms
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sum(lines []allocation.PeriodLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.AmountReporting)
	}
	return total
}

// =============================================================================
// KINDS
// =============================================================================

func TestKinds_Registered(t *testing.T) {
	for _, k := range []capital.Kind{capital.KindFixedAsset, capital.KindDebtInstrument, capital.KindInvestment} {
		got := allocation.LookupKind(k.KindID())
		require.NotNil(t, got, k)
		assert.Equal(t, "capital", got.KindDomain())
	}
}

func TestDoubleDecliningRate(t *testing.T) {
	assert.True(t, capital.DoubleDecliningRate(60).Equal(dec("0.033333")))
	assert.True(t, capital.DoubleDecliningRate(4).Equal(dec("0.5")))
	assert.True(t, capital.DoubleDecliningRate(1).Equal(decimal.NewFromInt(1)))
}

// =============================================================================
// FIXED ASSETS
// =============================================================================

func TestFixedAsset_DefaultsToDecliningBalance(t *testing.T) {
	// GIVEN: A 60,000 asset with a 5-year life and no method specified
	terms := parse(t, capital.FixedAssetJSON("60000", "USD", "2026-01", 60))
	require.Equal(t, allocation.MethodDecliningBalance, terms.Recognition.Method)

	// WHEN: Creating the schedule
	_, lines, err := newTestService().Create(context.Background(), "asset-1", terms, "test")
	require.NoError(t, err)

	// THEN: Depreciation declines and the last period takes the residual
	require.Len(t, lines, 60)
	assert.True(t, lines[0].AmountReporting.Equal(dec("1999.98")), lines[0].AmountReporting.String())
	assert.True(t, lines[1].AmountReporting.LessThan(lines[0].AmountReporting))
	assert.True(t, sum(lines).Equal(dec("60000")))
	assert.True(t, lines[59].RemainingAmountReporting.IsZero())
}

func TestFixedAsset_Disposal_WritesOffNetBookValue(t *testing.T) {
	// GIVEN: A 36,000 asset depreciated straight-line over 3 years, Q1 closed
	svc := newTestService()
	ctx := context.Background()
	id, _, err := svc.Create(ctx, "asset-2", parse(t, capital.StraightLineAssetJSON("36000", "USD", "2026-01", 36)), "test")
	require.NoError(t, err)
	for _, p := range []allocation.PeriodID{"2026-01", "2026-02", "2026-03"} {
		_, err := svc.ClosePeriod(ctx, id, p, "close-bot")
		require.NoError(t, err)
	}
	before, err := svc.Projection(ctx, id)
	require.NoError(t, err)
	assert.True(t, capital.NetBookValue(before, "2026-05").Equal(dec("31000")))

	// WHEN: The asset is disposed of in June
	res, err := svc.ApplyEvent(ctx, id, capital.DisposalEvent("2026-06", "", "alice"))
	require.NoError(t, err)

	// THEN: June is STOPPED and carries the remaining 31,000 (1,000 + 30,000 write-off)
	lines := res.Projection
	require.Len(t, lines, 6)
	june := lines[5]
	assert.Equal(t, allocation.StateStopped, june.State)
	assert.True(t, june.AmountReporting.Equal(dec("31000")), june.AmountReporting.String())
	require.NotNil(t, june.AdjustmentDelta)
	assert.True(t, june.AdjustmentDelta.Equal(dec("30000")))
	assert.True(t, sum(lines).Equal(dec("36000")))
	assert.True(t, capital.NetBookValue(lines, "2026-12").IsZero())

	// AND: Closed periods are untouched
	for i := 0; i < 3; i++ {
		assert.True(t, lines[i].Equal(before[i]))
	}

	// AND: Further adjustments are rejected, but April can still be closed
	_, err = svc.ApplyEvent(ctx, id, capital.RevaluationEvent("2026-05", dec("100"), dec("100"), "alice"))
	assert.ErrorIs(t, err, allocation.ErrInvalidEvent)
	_, err = svc.ClosePeriod(ctx, id, "2026-04", "close-bot")
	assert.NoError(t, err)
}

func TestFixedAsset_Revaluation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	id, _, err := svc.Create(ctx, "asset-3", parse(t, capital.StraightLineAssetJSON("12000", "USD", "2026-01", 12)), "test")
	require.NoError(t, err)

	res, err := svc.ApplyEvent(ctx, id, capital.RevaluationEvent("2026-07", dec("-1200"), dec("-1200"), "alice"))
	require.NoError(t, err)

	assert.True(t, sum(res.Projection).Equal(dec("10800")))
	require.NotNil(t, res.Projection[6].AdjustmentDelta)
	assert.True(t, res.Projection[6].AdjustmentDelta.Equal(dec("-1200")))
	assert.Equal(t, "revaluation -1200", res.Event.Reason)
}

func TestFixedAsset_UsefulLifeChange(t *testing.T) {
	// GIVEN: A 12,000 asset over 2026, first half closed
	svc := newTestService()
	ctx := context.Background()
	id, _, err := svc.Create(ctx, "asset-4", parse(t, capital.StraightLineAssetJSON("12000", "USD", "2026-01", 12)), "test")
	require.NoError(t, err)
	for _, p := range allocation.PeriodRange("2026-01", "2026-06") {
		_, err := svc.ClosePeriod(ctx, id, p, "close-bot")
		require.NoError(t, err)
	}

	// WHEN: The useful life is extended to March 2027 from July
	res, err := svc.ApplyEvent(ctx, id, capital.UsefulLifeChangeEvent("2026-12", "2027-03", "2026-07", "alice"))
	require.NoError(t, err)

	// THEN: July keeps 1,000 and the remaining 5,000 is spread over the 8 periods after it
	assert.Equal(t, allocation.EventTimelineExtension, res.Event.Type())
	require.Len(t, res.Projection, 15)
	assert.True(t, res.Projection[6].AmountReporting.Equal(dec("1000")), res.Projection[6].AmountReporting.String())
	assert.True(t, res.Projection[7].AmountReporting.Equal(dec("625")), res.Projection[7].AmountReporting.String())
	assert.True(t, res.Projection[14].AmountReporting.Equal(dec("625")), res.Projection[14].AmountReporting.String())
	assert.True(t, sum(res.Projection).Equal(dec("12000")))
}

// =============================================================================
// DEBT & INVESTMENTS
// =============================================================================

func TestDebtDiscount_StraightLine(t *testing.T) {
	terms := parse(t, capital.DebtDiscountJSON("2400", "USD", "2026-01-01", "2027-12-31"))
	assert.Equal(t, allocation.MethodStraightLine, terms.Recognition.Method)

	_, lines, err := newTestService().Create(context.Background(), "bond-1", terms, "test")
	require.NoError(t, err)
	require.Len(t, lines, 24)
	assert.True(t, lines[0].AmountReporting.Equal(dec("100")))
}

func TestDebtInstrument_RejectsDecliningBalance(t *testing.T) {
	terms := parse(t, `{"kind":"debt_instrument","total_amount_reporting":"2400","reporting_currency":"USD","start_date":"2026-01","end_date":"2027-12","recognition":{"method":"declining_balance","rate":"0.1"}}`)

	_, _, err := newTestService().Create(context.Background(), "", terms, "test")
	var termsErr *allocation.InvalidTermsError
	require.ErrorAs(t, err, &termsErr)
	assert.Equal(t, "recognition.method", termsErr.Field)
}

func TestInvestmentPremium_Foreign(t *testing.T) {
	terms := parse(t, capital.InvestmentPremiumJSON("1200", "USD", "1000", "CHF", "2026-01", "2026-12"))

	_, lines, err := newTestService().Create(context.Background(), "inv-1", terms, "test")
	require.NoError(t, err)
	require.NotNil(t, lines[0].EffectiveFX)
	assert.True(t, lines[0].EffectiveFX.Equal(dec("100").Div(dec("83.33"))))
}
