package x402

import (
	"context"
	"math/big"
)

// AuthorizationOptions tunes CreateAuthorization. Zero values use defaults.
type AuthorizationOptions struct {
	// ValidityPeriod is the window length in seconds (default from Config)
	ValidityPeriod int64

	// ValidAfter overrides the start of the window (default now)
	ValidAfter int64

	// Nonce is a 0x-prefixed 32-byte hex value (default random)
	Nonce string
}

// GaslessSettler is implemented by the EIP-3009 authorization engine
type GaslessSettler interface {
	// SupportsGasless reports whether token can be paid with an authorization.
	// It performs no I/O.
	SupportsGasless(token Token) bool

	// CreateAuthorization signs a transfer authorization from the payer to recipient
	CreateAuthorization(ctx context.Context, recipient, amount string, token Token, opts AuthorizationOptions) (*EIP3009Authorization, error)

	// ValidateAuthorization pre-checks auth without raising or mutating state
	ValidateAuthorization(ctx context.Context, auth *EIP3009Authorization, token Token) AuthorizationVerdict

	// SettleAuthorization submits auth on-chain and waits for the receipt
	SettleAuthorization(ctx context.Context, auth *EIP3009Authorization, token Token) (*PaymentTransaction, error)
}

// StandardSettler is implemented by the direct-transfer settlement engine
type StandardSettler interface {
	// Address is the payer account, or "" when no signing key is configured
	Address() string

	// Execute transfers req.Amount of req.Token to req.Recipient
	Execute(ctx context.Context, req *PaymentRequest) (*PaymentTransaction, error)

	GetBalance(ctx context.Context, address string, token Token) (*Balance, error)
	Approve(ctx context.Context, spender, amount string, token Token) (string, error)
	GetAllowance(ctx context.Context, owner, spender string, token Token) (*big.Int, error)
}

// BatchSettler is implemented by the batch settlement engine
type BatchSettler interface {
	// ExecuteMultiple pays each item in order. Per-item failures are
	// reported in the result, never as the returned error.
	ExecuteMultiple(ctx context.Context, items []BatchPaymentItem, token Token, opts BatchOptions) (*BatchPaymentResult, error)

	// ExecuteViaSplitter pays several tools through a revenue splitter
	// contract in one transaction
	ExecuteViaSplitter(ctx context.Context, splitter string, toolNames, amounts []string, token Token) (*PaymentTransaction, error)
}
