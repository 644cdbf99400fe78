package x402

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a human-readable decimal amount that must be positive
func ParseAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Decimal{}, WrapPaymentError(ErrCodeInvalidPaymentRequest,
			"invalid amount: "+amount, err, map[string]interface{}{"amount": amount})
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"amount must be greater than zero", map[string]interface{}{"amount": amount})
	}
	return d, nil
}

// ParseUnits converts a decimal amount into the token's smallest unit.
// Amounts with more fractional digits than decimals are rejected.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	d, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"amount has more precision than the token supports",
			map[string]interface{}{"amount": amount, "decimals": decimals})
	}
	return shifted.BigInt(), nil
}

// FormatUnits converts a smallest-unit value into a decimal string
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}
