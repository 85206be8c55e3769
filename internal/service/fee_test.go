package service

import (
	"testing"

	"escrow-service/internal/apperr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFee(t *testing.T) {
	calc := NewFeeCalculator(DefaultFeeRate, DefaultMinimumFee)

	tests := []struct {
		price string
		fee   string
	}{
		{"40", "3.20"},
		{"10", "3.00"},
		{"0", "3.00"},
		{"37.5", "3.00"},
		{"37.5625", "3.01"},
		{"40.0625", "3.21"},
		{"1000", "80.00"},
		{"123.45", "9.88"},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			fee, total, err := calc.ComputeFee(decimal.RequireFromString(tt.price))
			require.NoError(t, err)
			assert.True(t, fee.Equal(decimal.RequireFromString(tt.fee)), "fee %s", fee)
			assert.True(t, total.Equal(fee), "total must equal fee")
		})
	}
}

func TestComputeFeeRejectsNegativePrice(t *testing.T) {
	_, _, err := NewFeeCalculator(DefaultFeeRate, DefaultMinimumFee).ComputeFee(decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestNewFeeCalculatorDefaults(t *testing.T) {
	calc := NewFeeCalculator(decimal.Zero, decimal.NewFromInt(-5))
	assert.True(t, calc.Rate.Equal(DefaultFeeRate))
	assert.True(t, calc.Minimum.Equal(DefaultMinimumFee))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(320), MinorUnits(decimal.RequireFromString("3.20")))
	assert.Equal(t, int64(300), MinorUnits(decimal.RequireFromString("3")))
	assert.True(t, FromMinorUnits(988).Equal(decimal.RequireFromString("9.88")))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$3.20", formatAmount(decimal.RequireFromString("3.2"), "usd"))
	assert.Equal(t, "3.00 EUR", formatAmount(decimal.NewFromInt(3), "eur"))
}
