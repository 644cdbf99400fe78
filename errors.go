package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	// Err is the underlying cause, if any
	Err error `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a PaymentError with the same code.
// This lets callers match on a code with errors.Is(err, &PaymentError{Code: ...}).
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeInvalidPaymentRequest    = "INVALID_PAYMENT_REQUEST"
	ErrCodeUnsupportedChain         = "UNSUPPORTED_CHAIN"
	ErrCodeUnsupportedToken         = "UNSUPPORTED_TOKEN"
	ErrCodeInsufficientBalance      = "INSUFFICIENT_BALANCE"
	ErrCodeMissingPrivateKey        = "MISSING_PRIVATE_KEY"
	ErrCodeTransactionReverted      = "TRANSACTION_REVERTED"
	ErrCodeTransactionFailed        = "TRANSACTION_FAILED"
	ErrCodeAuthorizationNotYetValid = "AUTHORIZATION_NOT_YET_VALID"
	ErrCodeAuthorizationExpired     = "AUTHORIZATION_EXPIRED"
	ErrCodeNonceAlreadyUsed         = "NONCE_ALREADY_USED"
	ErrCodeVerificationFailed       = "VERIFICATION_FAILED"
	ErrCodePaymentTimeout           = "PAYMENT_TIMEOUT"
	ErrCodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	ErrCodeNetworkError             = "NETWORK_ERROR"
	ErrCodeInvalidSignature         = "INVALID_SIGNATURE"
	ErrCodePaymentRejected          = "PAYMENT_REJECTED"
	ErrCodeToolNotFound             = "TOOL_NOT_FOUND"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error carrying an underlying cause
func WrapPaymentError(code, message string, err error, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
		Err:     err,
	}
}

// ErrorCode returns the code of the first PaymentError in err's chain,
// or "" when there is none.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries a PaymentError with the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsRetryable reports whether err is transient and a different settlement
// path may succeed. Terminal codes (validation failures, expired or replayed
// authorizations, reverts) are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ErrorCode(err) {
	case ErrCodeNetworkError, ErrCodeTransactionFailed:
		return true
	case "":
		// Untyped errors come from the transport layer.
		return true
	default:
		return false
	}
}
