/*
method.go - Recognition method implementations

PURPOSE:
  Splits an amount across an ordered list of periods. Every method follows
  the same reconciliation rule: per-period amounts are truncated toward zero
  at the currency's minor unit and whatever is left over lands in a single
  closing period, so the parts always sum to the whole exactly.

METHODS:
  straight_line:
    - total / n for every period, remainder to the last period
    - 12,000.00 over 12 months = 12 x 1,000.00

  declining_balance:
    - fixed Rate applied to each period's opening balance
    - the last period takes the residual balance

  usage_based:
    - total x driver[p] / sum(drivers) per period
    - drivers missing for a period count as zero
    - zero driver sum: everything lands in the last period

  milestone:
    - weight[p] / sum(weights) for milestone periods, zero elsewhere
    - remainder goes to the last milestone period in range
    - no milestone in range: everything lands in the last period

DETERMINISM:
  All arithmetic is decimal. No map iteration order leaks into results.

SEE ALSO:
  - generator.go: Builds period lines from allocations
  - engine.go: Regenerates periods with the current method
*/
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocation is one period's share of an amount.
type Allocation struct {
	Period PeriodID
	Amount decimal.Decimal
	Note   string
}

// Allocator splits total across periods.
// len(result) == len(periods) and the amounts sum to total exactly.
type Allocator interface {
	Allocate(total decimal.Decimal, periods []PeriodID, cur Currency) []Allocation
}

// allocatorFor is the factory Generate and regeneration use.
var allocatorFor = AllocatorFor

// AllocatorFor returns the allocator for a recognition method.
func AllocatorFor(rec Recognition) (Allocator, error) {
	switch rec.Method {
	case MethodStraightLine:
		return StraightLine{}, nil
	case MethodDecliningBalance:
		return DecliningBalance{Rate: rec.Rate}, nil
	case MethodUsageBased:
		return UsageBased{Drivers: rec.Drivers}, nil
	case MethodMilestone:
		return MilestoneBased{Milestones: rec.Milestones}, nil
	default:
		return nil, fmt.Errorf("unknown recognition method %q", rec.Method)
	}
}

// Validate checks the method parameters. Usage drivers are checked against
// the periods they are applied to at generation time.
func (r Recognition) Validate() error {
	switch r.Method {
	case MethodStraightLine:
		return nil
	case MethodDecliningBalance:
		if !r.Rate.IsPositive() || r.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("declining balance rate must be in (0, 1], got %s", r.Rate)
		}
		return nil
	case MethodUsageBased:
		if len(r.Drivers) == 0 {
			return fmt.Errorf("usage based method requires drivers")
		}
		for p, d := range r.Drivers {
			if !p.Valid() {
				return fmt.Errorf("driver period %q is not YYYY-MM", p)
			}
			if d.IsNegative() {
				return fmt.Errorf("driver for %s is negative", p)
			}
		}
		return nil
	case MethodMilestone:
		if len(r.Milestones) == 0 {
			return fmt.Errorf("milestone method requires milestones")
		}
		for _, m := range r.Milestones {
			if m.Name == "" {
				return fmt.Errorf("milestone name is required")
			}
			if !m.Period.Valid() {
				return fmt.Errorf("milestone %q period %q is not YYYY-MM", m.Name, m.Period)
			}
			if !m.Weight.IsPositive() {
				return fmt.Errorf("milestone %q weight must be positive", m.Name)
			}
		}
		return nil
	case "":
		return fmt.Errorf("recognition method is required")
	default:
		return fmt.Errorf("unknown recognition method %q", r.Method)
	}
}

// =============================================================================
// STRAIGHT LINE
// =============================================================================

type StraightLine struct{}

func (StraightLine) Allocate(total decimal.Decimal, periods []PeriodID, cur Currency) []Allocation {
	n := len(periods)
	if n == 0 {
		return nil
	}
	per := cur.Truncate(total.Div(decimal.NewFromInt(int64(n))))
	amounts := make([]decimal.Decimal, n)
	for i := range amounts {
		amounts[i] = per
	}
	note := fmt.Sprintf("straight-line 1/%d of %s", n, cur.Format(total))
	return settle(total, periods, amounts, n-1, cur, func(int) string { return note })
}

// =============================================================================
// DECLINING BALANCE
// =============================================================================

type DecliningBalance struct {
	Rate decimal.Decimal
}

func (db DecliningBalance) Allocate(total decimal.Decimal, periods []PeriodID, cur Currency) []Allocation {
	n := len(periods)
	if n == 0 {
		return nil
	}
	amounts := make([]decimal.Decimal, n)
	opening := make([]decimal.Decimal, n)
	balance := total
	for i := 0; i < n-1; i++ {
		opening[i] = balance
		amounts[i] = cur.Truncate(balance.Mul(db.Rate))
		balance = balance.Sub(amounts[i])
	}
	opening[n-1] = balance
	amounts[n-1] = decimal.Zero
	rate := db.Rate.Mul(decimal.NewFromInt(100)).String()
	return settle(total, periods, amounts, n-1, cur, func(i int) string {
		if i == n-1 {
			return fmt.Sprintf("declining balance: residual of %s", cur.Format(opening[i]))
		}
		return fmt.Sprintf("declining balance %s%% of opening %s", rate, cur.Format(opening[i]))
	})
}

// =============================================================================
// USAGE BASED
// =============================================================================

type UsageBased struct {
	Drivers map[PeriodID]decimal.Decimal
}

func (ub UsageBased) Allocate(total decimal.Decimal, periods []PeriodID, cur Currency) []Allocation {
	n := len(periods)
	if n == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, p := range periods {
		sum = sum.Add(ub.Drivers[p])
	}
	amounts := make([]decimal.Decimal, n)
	if sum.IsZero() {
		return settle(total, periods, amounts, n-1, cur, func(int) string {
			return "usage based: no driver volume in range"
		})
	}
	for i, p := range periods {
		amounts[i] = cur.Truncate(total.Mul(ub.Drivers[p]).Div(sum))
	}
	return settle(total, periods, amounts, n-1, cur, func(i int) string {
		return fmt.Sprintf("usage based %s of %s units", ub.Drivers[periods[i]], sum)
	})
}

// =============================================================================
// MILESTONE
// =============================================================================

type MilestoneBased struct {
	Milestones []Milestone
}

func (mb MilestoneBased) Allocate(total decimal.Decimal, periods []PeriodID, cur Currency) []Allocation {
	n := len(periods)
	if n == 0 {
		return nil
	}
	index := make(map[PeriodID]int, n)
	for i, p := range periods {
		index[p] = i
	}

	weights := make([]decimal.Decimal, n)
	names := make([]string, n)
	sum := decimal.Zero
	last := -1
	for _, m := range mb.Milestones {
		i, ok := index[m.Period]
		if !ok {
			continue
		}
		weights[i] = weights[i].Add(m.Weight)
		if names[i] != "" {
			names[i] += ", "
		}
		names[i] += m.Name
		sum = sum.Add(m.Weight)
		if i > last {
			last = i
		}
	}

	amounts := make([]decimal.Decimal, n)
	if last < 0 {
		return settle(total, periods, amounts, n-1, cur, func(int) string {
			return "milestone: no milestone in range"
		})
	}
	for i := range periods {
		if !weights[i].IsZero() {
			amounts[i] = cur.Truncate(total.Mul(weights[i]).Div(sum))
		}
	}
	return settle(total, periods, amounts, last, cur, func(i int) string {
		if names[i] == "" {
			return "milestone: none due"
		}
		return fmt.Sprintf("milestone %s (weight %s of %s)", names[i], weights[i], sum)
	})
}

// =============================================================================
// SETTLEMENT - Push the rounding remainder into one period
// =============================================================================

// settle replaces amounts[plug] with total - sum(others) and builds the
// allocation list. A non-zero remainder is recorded in the plug period's note.
func settle(total decimal.Decimal, periods []PeriodID, amounts []decimal.Decimal, plug int, cur Currency, note func(int) string) []Allocation {
	others := decimal.Zero
	for i, a := range amounts {
		if i != plug {
			others = others.Add(a)
		}
	}
	computed := amounts[plug]
	amounts[plug] = total.Sub(others)
	remainder := amounts[plug].Sub(computed)

	out := make([]Allocation, len(periods))
	for i, p := range periods {
		out[i] = Allocation{Period: p, Amount: amounts[i], Note: note(i)}
	}
	if !remainder.IsZero() && !computed.IsZero() {
		out[plug].Note += fmt.Sprintf("; rounding remainder %s", cur.Format(remainder))
	}
	return out
}
