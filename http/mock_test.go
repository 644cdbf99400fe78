package http

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	x402 "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/mechanisms/evm"
)

// Mock implementations for testing

type mockStandard struct {
	mu       sync.Mutex
	payments []*x402.PaymentRequest
	err      error
}

func (m *mockStandard) Address() string { return testPayer }

func (m *mockStandard) Execute(ctx context.Context, req *x402.PaymentRequest) (*x402.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.payments = append(m.payments, req)
	return &x402.PaymentTransaction{
		Hash:      testTxHash,
		From:      testPayer,
		To:        req.Recipient,
		Amount:    req.Amount,
		Token:     req.Token,
		Status:    x402.TxStatusConfirmed,
		Timestamp: time.Now(),
	}, nil
}

func (m *mockStandard) paid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *mockStandard) GetBalance(ctx context.Context, address string, token x402.Token) (*x402.Balance, error) {
	return &x402.Balance{Address: address, Token: token, Raw: "0", Formatted: "0"}, nil
}

func (m *mockStandard) Approve(ctx context.Context, spender, amount string, token x402.Token) (string, error) {
	return testTxHash, nil
}

func (m *mockStandard) GetAllowance(ctx context.Context, owner, spender string, token x402.Token) (*big.Int, error) {
	return big.NewInt(0), nil
}

func newTestPayer(std *mockStandard) *x402.Client {
	cfg := x402.DefaultConfig()
	cfg.Chain = x402.ChainBase
	cfg.EnableGasless = false
	client, err := x402.NewClient(cfg, x402.WithStandardSettler(std))
	if err != nil {
		panic(err)
	}
	return client
}

type mockTxVerifier struct {
	result *evm.Verification
	err    error
	calls  int
}

func (m *mockTxVerifier) VerifyPayment(ctx context.Context, txHash string, req *x402.PaymentRequest) (*evm.Verification, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockGasless struct {
	settled []*x402.EIP3009Authorization
	verdict x402.AuthorizationVerdict
	err     error
}

func (m *mockGasless) SupportsGasless(token x402.Token) bool { return token == x402.TokenUSDC }

func (m *mockGasless) CreateAuthorization(ctx context.Context, recipient, amount string, token x402.Token, opts x402.AuthorizationOptions) (*x402.EIP3009Authorization, error) {
	auth := testAuthorization()
	auth.To = recipient
	return auth, nil
}

func (m *mockGasless) ValidateAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) x402.AuthorizationVerdict {
	return m.verdict
}

func (m *mockGasless) SettleAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) (*x402.PaymentTransaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.settled = append(m.settled, auth)
	return &x402.PaymentTransaction{
		Hash:    testTxHash,
		From:    auth.From,
		To:      auth.To,
		Amount:  "0.5",
		Token:   token,
		Status:  x402.TxStatusConfirmed,
		Gasless: true,
	}, nil
}

func testAuthorization() *x402.EIP3009Authorization {
	return &x402.EIP3009Authorization{
		From:        testPayer,
		To:          testRecipient,
		Value:       "500000",
		ValidAfter:  0,
		ValidBefore: 1_900_000_000,
		Nonce:       "0x" + strings.Repeat("ab", 32),
		Signature:   "0x" + strings.Repeat("cd", 64) + "1b",
		Token:       x402.TokenUSDC,
		Chain:       x402.ChainBase,
	}
}
