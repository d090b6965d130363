package allocation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROJECTION COMPARISON - Used by rebuild verification
// =============================================================================

// EqualProjections compares two projections line by line.
func EqualProjections(a, b []PeriodLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Digest returns a stable fingerprint of a projection. Decimals are
// rendered canonically, so 1000 and 1000.00 hash the same.
func Digest(lines []PeriodLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(string(l.Period))
		b.WriteByte('|')
		b.WriteString(string(l.State))
		for _, d := range []decimal.Decimal{
			l.AmountReporting,
			l.AmountLocal,
			l.CumulativeAmountReporting,
			l.RemainingAmountReporting,
			l.BaseAmountReporting,
		} {
			b.WriteByte('|')
			b.WriteString(d.String())
		}
		for _, d := range []*decimal.Decimal{l.EffectiveFX, l.AdjustmentDelta} {
			b.WriteByte('|')
			if d != nil {
				b.WriteString(d.String())
			} else {
				b.WriteByte('-')
			}
		}
		b.WriteByte('|')
		b.WriteString(l.Explanation)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FirstDifference returns the first period whose line differs between a and
// b, or "" when they are equal.
func FirstDifference(a, b []PeriodLine) PeriodID {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if !a[i].Equal(b[i]) {
			return a[i].Period
		}
	}
	switch {
	case len(a) > n:
		return a[n].Period
	case len(b) > n:
		return b[n].Period
	}
	return ""
}
