package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the scale of every persisted total.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half away from zero, which is half-up for the non-negative amounts a till produces.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyPlaces)
}

// PercentOf returns amount * pct / 100 without rounding.
func PercentOf(amount decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// PercentPlaces is the scale percentages are stored with (NUMERIC(5,2)).
const PercentPlaces = 2

// ValidPercent accepts 0..100 with at most PercentPlaces decimals, so a stored
// percentage reproduces the amounts computed from it.
func ValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred) && pct.Equal(pct.Round(PercentPlaces))
}

func ValidPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentOther:
		return true
	}
	return false
}

func ValidAdjustmentReason(reason StockReason) bool {
	switch reason {
	case ReasonAdjustment, ReasonDamage, ReasonCorrection:
		return true
	}
	return false
}
