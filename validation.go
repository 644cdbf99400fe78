package x402

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex account address
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ValidatePaymentRequest checks a request against the chain and token
// registry. It performs no I/O.
func ValidatePaymentRequest(req *PaymentRequest, now time.Time) error {
	if req == nil {
		return NewPaymentError(ErrCodeInvalidPaymentRequest, "payment request is nil", nil)
	}
	if _, err := ParseAmount(req.Amount); err != nil {
		return err
	}
	if !IsSupportedChain(req.Chain) {
		return NewPaymentError(ErrCodeUnsupportedChain,
			"unsupported chain: "+string(req.Chain),
			map[string]interface{}{"chain": req.Chain})
	}
	cfg, err := GetTokenConfig(req.Chain, req.Token)
	if err != nil {
		return err
	}
	if _, err := ParseUnits(req.Amount, cfg.Decimals); err != nil {
		return err
	}
	if !IsAddress(req.Recipient) {
		return NewPaymentError(ErrCodeInvalidPaymentRequest,
			"invalid recipient address: "+req.Recipient,
			map[string]interface{}{"recipient": req.Recipient})
	}
	if req.Deadline != 0 && req.Deadline <= now.Unix() {
		return NewPaymentError(ErrCodePaymentTimeout, "payment deadline has passed",
			map[string]interface{}{"deadline": req.Deadline, "now": now.Unix()})
	}
	return nil
}
