package allocation_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
)

func amounts(allocs []allocation.Allocation) []string {
	out := make([]string, len(allocs))
	for i, a := range allocs {
		out[i] = a.Amount.StringFixed(2)
	}
	return out
}

func sumAllocations(allocs []allocation.Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Amount)
	}
	return sum
}

func TestStraightLine_RemainderOnLastPeriod(t *testing.T) {
	periods := allocation.PeriodRange("2026-01", "2026-03")

	got := allocation.StraightLine{}.Allocate(d("100.00"), periods, "USD")

	assert.Equal(t, []string{"33.33", "33.33", "33.34"}, amounts(got))
	assert.Contains(t, got[2].Note, "rounding remainder")
	assert.NotContains(t, got[0].Note, "rounding remainder")
}

func TestDecliningBalance_ResidualOnLastPeriod(t *testing.T) {
	// GIVEN: 6,000 over six periods at 50% of opening balance
	// THEN: Each period halves, the last one takes whatever is left

	periods := allocation.PeriodRange("2026-07", "2026-12")

	got := allocation.DecliningBalance{Rate: d("0.5")}.Allocate(d("6000"), periods, "USD")

	assert.Equal(t, []string{"3000.00", "1500.00", "750.00", "375.00", "187.50", "187.50"}, amounts(got))
	assert.Contains(t, got[5].Note, "residual")
}

func TestUsageBased_ProportionalToDrivers(t *testing.T) {
	alloc := allocation.UsageBased{Drivers: map[allocation.PeriodID]decimal.Decimal{
		"2026-01": d("1"),
		"2026-02": d("2"),
		"2026-03": d("3"),
	}}

	got := alloc.Allocate(d("600"), allocation.PeriodRange("2026-01", "2026-04"), "USD")

	assert.Equal(t, []string{"100.00", "200.00", "300.00", "0.00"}, amounts(got))
}

func TestUsageBased_NoVolume_LastPeriodTakesAll(t *testing.T) {
	got := allocation.UsageBased{}.Allocate(d("600"), allocation.PeriodRange("2026-01", "2026-03"), "USD")

	assert.Equal(t, []string{"0.00", "0.00", "600.00"}, amounts(got))
}

func TestMilestone_WeightsAndPlugOnLastMilestone(t *testing.T) {
	// GIVEN: Three equal milestones in January to March of a four month range
	// THEN: The rounding remainder lands on March, April gets nothing

	alloc := allocation.MilestoneBased{Milestones: []allocation.Milestone{
		{Name: "design", Period: "2026-01", Weight: d("1")},
		{Name: "build", Period: "2026-02", Weight: d("1")},
		{Name: "launch", Period: "2026-03", Weight: d("1")},
	}}

	got := alloc.Allocate(d("100"), allocation.PeriodRange("2026-01", "2026-04"), "USD")

	assert.Equal(t, []string{"33.33", "33.33", "33.34", "0.00"}, amounts(got))
	assert.Contains(t, got[0].Note, "design")
	assert.Contains(t, got[3].Note, "none due")
}

func TestMilestone_ContractSplit(t *testing.T) {
	alloc := allocation.MilestoneBased{Milestones: []allocation.Milestone{
		{Name: "signing", Period: "2026-01", Weight: d("25")},
		{Name: "delivery", Period: "2026-05", Weight: d("75")},
	}}

	got := alloc.Allocate(d("10000"), allocation.PeriodRange("2026-01", "2026-06"), "USD")

	assert.Equal(t, []string{"2500.00", "0.00", "0.00", "0.00", "7500.00", "0.00"}, amounts(got))
}

func TestAllocators_AlwaysSumToTotal(t *testing.T) {
	periods := allocation.PeriodRange("2026-01", "2026-07")
	drivers := map[allocation.PeriodID]decimal.Decimal{}
	for i, p := range periods {
		drivers[p] = decimal.NewFromInt(int64(i*i + 1))
	}
	allocators := map[string]allocation.Allocator{
		"straight_line":     allocation.StraightLine{},
		"declining_balance": allocation.DecliningBalance{Rate: d("0.37")},
		"usage_based":       allocation.UsageBased{Drivers: drivers},
		"milestone": allocation.MilestoneBased{Milestones: []allocation.Milestone{
			{Name: "a", Period: "2026-02", Weight: d("3")},
			{Name: "b", Period: "2026-06", Weight: d("7")},
		}},
	}
	totalsToSplit := []string{"0", "0.01", "1", "999.99", "12345.67", "-777.77"}

	for name, alloc := range allocators {
		for _, total := range totalsToSplit {
			got := alloc.Allocate(d(total), periods, "USD")
			require.Len(t, got, len(periods), name)
			assert.True(t, sumAllocations(got).Equal(d(total)), "%s split of %s sums to %s", name, total, sumAllocations(got))
			for _, a := range got {
				assert.True(t, a.Amount.Equal(a.Amount.Truncate(2)), "%s: %s has sub-cent precision", name, a.Amount)
			}
		}
	}
}

func TestAllocatorFor_UnknownMethod(t *testing.T) {
	_, err := allocation.AllocatorFor(allocation.Recognition{Method: "lifo"})
	assert.Error(t, err)
}
