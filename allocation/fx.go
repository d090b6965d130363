package allocation

import "github.com/shopspring/decimal"

// DeriveFX returns the effective rate reporting / local.
//
// The reporting amount is authoritative. When the local amount is zero the
// rate is not meaningful and ok is false. This is not an error.
func DeriveFX(amountReporting, amountLocal decimal.Decimal) (fx decimal.Decimal, ok bool) {
	if amountLocal.IsZero() {
		return decimal.Zero, false
	}
	return amountReporting.Div(amountLocal), true
}

func deriveFXPtr(amountReporting, amountLocal decimal.Decimal) *decimal.Decimal {
	fx, ok := DeriveFX(amountReporting, amountLocal)
	if !ok {
		return nil
	}
	return &fx
}
