package allocation

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - One calendar month, identified as YYYY-MM
// =============================================================================

// PeriodID identifies an accounting period as "YYYY-MM".
// String order equals chronological order for four-digit years.
type PeriodID string

const periodLayout = "2006-01"

// NewPeriodID builds the identifier for a year and month.
func NewPeriodID(year int, month time.Month) PeriodID {
	return PeriodID(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(periodLayout))
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) PeriodID {
	return NewPeriodID(t.Year(), t.Month())
}

// ParsePeriodID validates and returns a period identifier.
func ParsePeriodID(s string) (PeriodID, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil || t.Format(periodLayout) != s {
		return "", fmt.Errorf("invalid period %q: expected YYYY-MM", s)
	}
	return PeriodID(s), nil
}

// Valid returns true if the identifier is well formed.
func (p PeriodID) Valid() bool {
	_, err := ParsePeriodID(string(p))
	return err == nil
}

func (p PeriodID) String() string { return string(p) }

// Start returns the first instant of the period (UTC).
func (p PeriodID) Start() time.Time {
	t, _ := time.Parse(periodLayout, string(p))
	return t
}

// End returns the last day of the period (UTC, midnight).
func (p PeriodID) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Add returns the period n months later (n may be negative).
func (p PeriodID) Add(n int) PeriodID {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

func (p PeriodID) Next() PeriodID { return p.Add(1) }
func (p PeriodID) Prev() PeriodID { return p.Add(-1) }

// Comparison
func (p PeriodID) Before(o PeriodID) bool        { return p < o }
func (p PeriodID) After(o PeriodID) bool         { return p > o }
func (p PeriodID) BeforeOrEqual(o PeriodID) bool { return p <= o }
func (p PeriodID) AfterOrEqual(o PeriodID) bool  { return p >= o }

// MonthsBetween returns the number of months from a to b (b - a).
func MonthsBetween(a, b PeriodID) int {
	sa, sb := a.Start(), b.Start()
	return (sb.Year()-sa.Year())*12 + int(sb.Month()-sa.Month())
}

// PeriodRange returns every period in [from, to], in order.
// Returns nil when to precedes from.
func PeriodRange(from, to PeriodID) []PeriodID {
	n := MonthsBetween(from, to)
	if n < 0 {
		return nil
	}
	out := make([]PeriodID, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, from.Add(i))
	}
	return out
}
