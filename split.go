package x402

import (
	"github.com/shopspring/decimal"
)

// MaxFeeBps is 100% in basis points
const MaxFeeBps = 10000

// RevenueSplit is the developer/platform attribution of a payment
type RevenueSplit struct {
	TotalAmount         string `json:"totalAmount"`
	DeveloperAmount     string `json:"developerAmount"`
	PlatformAmount      string `json:"platformAmount"`
	DeveloperPercentage string `json:"developerPercentage"`
	PlatformPercentage  string `json:"platformPercentage"`
	PlatformFeeBps      int    `json:"platformFeeBps"`
}

// CalculateSplit divides total between developer and platform.
// Amounts are formatted to 6 places and percentages to 2, rounding half away
// from zero. The developer share is derived from the rounded platform share
// so the two always add up to the formatted total.
func CalculateSplit(total string, feeBps int) (*RevenueSplit, error) {
	if feeBps < 0 || feeBps > MaxFeeBps {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest,
			"platform fee must be between 0 and 10000 bps",
			map[string]interface{}{"feeBps": feeBps})
	}
	t, err := decimal.NewFromString(total)
	if err != nil {
		return nil, WrapPaymentError(ErrCodeInvalidPaymentRequest, "invalid total: "+total, err, nil)
	}
	if t.IsNegative() {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "total must not be negative",
			map[string]interface{}{"total": total})
	}

	bps := decimal.NewFromInt(int64(feeBps))
	platform := t.Mul(bps).Div(decimal.NewFromInt(MaxFeeBps)).Round(6)
	developer := t.Round(6).Sub(platform)

	platformPct := bps.Div(decimal.NewFromInt(100))
	developerPct := decimal.NewFromInt(100).Sub(platformPct)

	return &RevenueSplit{
		TotalAmount:         total,
		DeveloperAmount:     developer.StringFixed(6),
		PlatformAmount:      platform.StringFixed(6),
		DeveloperPercentage: developerPct.StringFixed(2),
		PlatformPercentage:  platformPct.StringFixed(2),
		PlatformFeeBps:      feeBps,
	}, nil
}
