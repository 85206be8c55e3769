package service

import (
	"strings"

	"escrow-service/internal/apperr"

	"github.com/shopspring/decimal"
)

var (
	DefaultFeeRate    = decimal.RequireFromString("0.08")
	DefaultMinimumFee = decimal.RequireFromString("3.00")
)

// FeeCalculator derives the escrow service fee from a product price.
// The product price itself never passes through escrow, so the fee is also
// the total charged.
type FeeCalculator struct {
	Rate    decimal.Decimal
	Minimum decimal.Decimal
}

// NewFeeCalculator creates a calculator, falling back to the default rate and
// minimum for non-positive inputs
func NewFeeCalculator(rate, minimum decimal.Decimal) FeeCalculator {
	if !rate.IsPositive() {
		rate = DefaultFeeRate
	}
	if minimum.IsNegative() {
		minimum = DefaultMinimumFee
	}
	return FeeCalculator{Rate: rate, Minimum: minimum}
}

// ComputeFee returns fee = max(round2(price*rate), minimum) and total = fee.
func (f FeeCalculator) ComputeFee(price decimal.Decimal) (fee, total decimal.Decimal, err error) {
	if price.IsNegative() {
		return decimal.Zero, decimal.Zero, apperr.InvalidArgument("price must not be negative: %s", price)
	}

	fee = price.Mul(f.Rate).Round(2)
	if fee.LessThan(f.Minimum) {
		fee = f.Minimum
	}
	return fee, fee, nil
}

// MinorUnits converts a currency amount to cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a currency amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func formatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" || strings.EqualFold(currency, "usd") {
		return "$" + amount.StringFixed(2)
	}
	return amount.StringFixed(2) + " " + strings.ToUpper(currency)
}
