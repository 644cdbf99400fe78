package evm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	x402 "github.com/x402-foundation/agentpay"
)

func newTestAuthorizationEngine(t *testing.T, chain *mockChain, signer Signer, opts ...Option) *AuthorizationEngine {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock(testNow))}, opts...)
	engine, err := NewAuthorizationEngine(x402.ChainBase, chain, signer, opts...)
	if err != nil {
		t.Fatalf("NewAuthorizationEngine() error = %v", err)
	}
	return engine
}

func TestCreateAuthorization(t *testing.T) {
	chain := newMockChain()
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1.5", x402.TokenUSDC,
		x402.AuthorizationOptions{ValidityPeriod: 300})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}

	if auth.From != testPayer {
		t.Errorf("From = %s, want %s", auth.From, testPayer)
	}
	if auth.Value != "1500000" {
		t.Errorf("Value = %s, want 1500000", auth.Value)
	}
	if auth.ValidAfter != testNow.Unix() {
		t.Errorf("ValidAfter = %d, want %d", auth.ValidAfter, testNow.Unix())
	}
	if auth.ValidBefore != testNow.Unix()+300 {
		t.Errorf("ValidBefore = %d, want %d", auth.ValidBefore, testNow.Unix()+300)
	}
	if len(auth.Nonce) != 66 {
		t.Errorf("Nonce length = %d, want 66", len(auth.Nonce))
	}
	if auth.V != 27 && auth.V != 28 {
		t.Errorf("V = %d, want 27 or 28", auth.V)
	}
	if len(auth.R) != 66 || len(auth.S) != 66 {
		t.Errorf("R/S must be 32-byte hex, got %s / %s", auth.R, auth.S)
	}
	if !strings.HasPrefix(auth.Signature, auth.R) {
		t.Errorf("signature %s does not start with r %s", auth.Signature, auth.R)
	}

	signer, err := RecoverAuthorizer(auth, usdcOnBase(), chain.chainID)
	if err != nil {
		t.Fatalf("RecoverAuthorizer() error = %v", err)
	}
	if signer != testPayer {
		t.Errorf("recovered signer = %s, want %s", signer, testPayer)
	}
	if chain.writeCount() != 0 {
		t.Errorf("CreateAuthorization submitted %d transactions", chain.writeCount())
	}
}

func TestCreateAuthorizationDefaults(t *testing.T) {
	engine := newTestAuthorizationEngine(t, newMockChain(), newKeySigner(), WithValidityPeriod(600))

	nonce := "0x" + strings.Repeat("ab", 32)
	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC,
		x402.AuthorizationOptions{Nonce: nonce})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	if auth.ValidBefore-auth.ValidAfter != 600 {
		t.Errorf("window = %d, want 600", auth.ValidBefore-auth.ValidAfter)
	}
	if auth.Nonce != nonce {
		t.Errorf("Nonce = %s, want %s", auth.Nonce, nonce)
	}
}

func TestCreateAuthorizationErrors(t *testing.T) {
	tests := []struct {
		name      string
		signer    Signer
		recipient string
		amount    string
		token     x402.Token
		nonce     string
		wantCode  string
	}{
		{
			name:      "missing signer",
			recipient: testRecipient,
			amount:    "1",
			token:     x402.TokenUSDC,
			wantCode:  x402.ErrCodeMissingPrivateKey,
		},
		{
			name:      "token without EIP-3009",
			signer:    newKeySigner(),
			recipient: testRecipient,
			amount:    "1",
			token:     x402.TokenUSDT,
			wantCode:  x402.ErrCodeUnsupportedToken,
		},
		{
			name:      "unknown token",
			signer:    newKeySigner(),
			recipient: testRecipient,
			amount:    "1",
			token:     x402.TokenUSDs,
			wantCode:  x402.ErrCodeUnsupportedToken,
		},
		{
			name:      "bad recipient",
			signer:    newKeySigner(),
			recipient: "0x1234",
			amount:    "1",
			token:     x402.TokenUSDC,
			wantCode:  x402.ErrCodeInvalidPaymentRequest,
		},
		{
			name:      "zero amount",
			signer:    newKeySigner(),
			recipient: testRecipient,
			amount:    "0",
			token:     x402.TokenUSDC,
			wantCode:  x402.ErrCodeInvalidPaymentRequest,
		},
		{
			name:      "short nonce",
			signer:    newKeySigner(),
			recipient: testRecipient,
			amount:    "1",
			token:     x402.TokenUSDC,
			nonce:     "0x1234",
			wantCode:  x402.ErrCodeInvalidPaymentRequest,
		},
		{
			name:      "signer failure",
			signer:    &keySigner{key: newKeySigner().key, signErr: errors.New("hsm offline")},
			recipient: testRecipient,
			amount:    "1",
			token:     x402.TokenUSDC,
			wantCode:  x402.ErrCodeInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestAuthorizationEngine(t, newMockChain(), tt.signer)
			_, err := engine.CreateAuthorization(context.Background(), tt.recipient, tt.amount, tt.token,
				x402.AuthorizationOptions{Nonce: tt.nonce})
			if got := x402.ErrorCode(err); got != tt.wantCode {
				t.Errorf("error code = %q, want %q (err = %v)", got, tt.wantCode, err)
			}
		})
	}
}

func TestSupportsGasless(t *testing.T) {
	engine := newTestAuthorizationEngine(t, newMockChain(), nil)
	if !engine.SupportsGasless(x402.TokenUSDC) {
		t.Error("USDC on base should support gasless")
	}
	if engine.SupportsGasless(x402.TokenDAI) {
		t.Error("DAI on base should not support gasless")
	}
	if engine.SupportsGasless("NOPE") {
		t.Error("unknown token should not support gasless")
	}
}

func TestValidateAuthorization(t *testing.T) {
	chain := newMockChain()
	signer := newKeySigner()
	engine := newTestAuthorizationEngine(t, chain, signer)

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC,
		x402.AuthorizationOptions{ValidityPeriod: 300})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}

	tests := []struct {
		name     string
		at       time.Time
		used     bool
		wantCode string
	}{
		{name: "valid at creation", at: testNow},
		{name: "valid at last second", at: testNow.Add(300 * time.Second)},
		{name: "not yet valid", at: testNow.Add(-time.Second), wantCode: x402.ErrCodeAuthorizationNotYetValid},
		{name: "expired", at: testNow.Add(301 * time.Second), wantCode: x402.ErrCodeAuthorizationExpired},
		{name: "nonce used", at: testNow, used: true, wantCode: x402.ErrCodeNonceAlreadyUsed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain.used[auth.Nonce] = tt.used
			engine.cfg.now = fixedClock(tt.at)

			verdict := engine.ValidateAuthorization(context.Background(), auth, x402.TokenUSDC)
			if verdict.Valid != (tt.wantCode == "") {
				t.Errorf("Valid = %v, verdict = %+v", verdict.Valid, verdict)
			}
			if verdict.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", verdict.Code, tt.wantCode)
			}
			if !verdict.Valid && verdict.Reason == "" {
				t.Error("invalid verdict must carry a reason")
			}
		})
	}
}

func TestValidateAuthorizationIsIdempotent(t *testing.T) {
	chain := newMockChain()
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}

	first := engine.ValidateAuthorization(context.Background(), auth, x402.TokenUSDC)
	second := engine.ValidateAuthorization(context.Background(), auth, x402.TokenUSDC)
	if first != second {
		t.Errorf("verdicts differ: %+v vs %+v", first, second)
	}
	if !first.Valid {
		t.Errorf("expected a valid verdict, got %+v", first)
	}
	if chain.writeCount() != 0 {
		t.Errorf("ValidateAuthorization submitted %d transactions", chain.writeCount())
	}
}

func TestSettleAuthorization(t *testing.T) {
	chain := newMockChain()
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())
	ctx := context.Background()

	auth, err := engine.CreateAuthorization(ctx, testRecipient, "2.25", x402.TokenUSDC, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}

	tx, err := engine.SettleAuthorization(ctx, auth, x402.TokenUSDC)
	if err != nil {
		t.Fatalf("SettleAuthorization() error = %v", err)
	}
	if tx.Status != x402.TxStatusConfirmed {
		t.Errorf("Status = %s, want confirmed", tx.Status)
	}
	if !tx.Gasless {
		t.Error("settled transaction should be marked gasless")
	}
	if tx.Amount != "2.25" || tx.RawAmount != "2250000" {
		t.Errorf("Amount = %s / %s", tx.Amount, tx.RawAmount)
	}
	if tx.ChainID != 8453 {
		t.Errorf("ChainID = %d, want 8453", tx.ChainID)
	}

	if len(chain.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(chain.writes))
	}
	call := chain.writes[0]
	if call.function != FunctionTransferWithAuthorization {
		t.Errorf("function = %s", call.function)
	}
	if !SameAddress(call.address, usdcOnBase().Address) {
		t.Errorf("submitted to %s, want the USDC contract", call.address)
	}
	if len(call.args) != 9 {
		t.Errorf("expected 9 arguments, got %d", len(call.args))
	}
	if v := call.args[6].(uint8); v != auth.V {
		t.Errorf("v = %d, want %d", v, auth.V)
	}

	_, err = engine.SettleAuthorization(ctx, auth, x402.TokenUSDC)
	if !x402.HasCode(err, x402.ErrCodeNonceAlreadyUsed) {
		t.Errorf("second settle error = %v, want NONCE_ALREADY_USED", err)
	}
}

func TestSettleAuthorizationAfterWindow(t *testing.T) {
	chain := newMockChain()
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC,
		x402.AuthorizationOptions{ValidityPeriod: 300})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	if auth.ValidBefore != testNow.Unix()+300 {
		t.Fatalf("ValidBefore = %d, want %d", auth.ValidBefore, testNow.Unix()+300)
	}

	engine.cfg.now = fixedClock(testNow.Add(301 * time.Second))
	_, err = engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC)
	if !x402.HasCode(err, x402.ErrCodeAuthorizationExpired) {
		t.Errorf("error = %v, want AUTHORIZATION_EXPIRED", err)
	}
	if chain.writeCount() != 0 {
		t.Error("expired authorization must not be submitted")
	}
}

func TestSettleAuthorizationUnreadableNonceState(t *testing.T) {
	chain := newMockChain()
	chain.stateErr = errors.New("execution reverted")
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	if _, err := engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC); err != nil {
		t.Fatalf("SettleAuthorization() error = %v, want success when authorizationState is unavailable", err)
	}
}

func TestSettleAuthorizationFailures(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(*mockChain)
		wantCode      string
		wantRetryable bool
	}{
		{
			name:          "submission fails",
			setup:         func(m *mockChain) { m.writeErr = errors.New("connection refused") },
			wantCode:      x402.ErrCodeTransactionFailed,
			wantRetryable: true,
		},
		{
			name:     "reverted",
			setup:    func(m *mockChain) { m.receiptStatus = TxStatusFailed },
			wantCode: x402.ErrCodeTransactionReverted,
		},
		{
			name:     "receipt unavailable",
			setup:    func(m *mockChain) { m.receiptErr = errors.New("timeout") },
			wantCode: x402.ErrCodePaymentTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newMockChain()
			engine := newTestAuthorizationEngine(t, chain, newKeySigner())
			auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
			if err != nil {
				t.Fatalf("CreateAuthorization() error = %v", err)
			}
			tt.setup(chain)

			_, err = engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC)
			if got := x402.ErrorCode(err); got != tt.wantCode {
				t.Errorf("error code = %q, want %q (err = %v)", got, tt.wantCode, err)
			}
			if x402.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", x402.IsRetryable(err), tt.wantRetryable)
			}
		})
	}
}

func TestSettleAuthorizationTimeoutDetails(t *testing.T) {
	chain := newMockChain()
	chain.receiptGate = make(chan struct{})
	engine := newTestAuthorizationEngine(t, chain, newKeySigner(), WithReceiptTimeout(10*time.Millisecond))

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	_, err = engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC)

	var pe *x402.PaymentError
	if !errors.As(err, &pe) || pe.Code != x402.ErrCodePaymentTimeout {
		t.Fatalf("error = %v, want PAYMENT_TIMEOUT", err)
	}
	if pe.Details["status"] != "unknown" {
		t.Errorf("status detail = %v, want unknown", pe.Details["status"])
	}
	if pe.Details["hash"] == "" {
		t.Error("timeout must carry the transaction hash")
	}
}

func TestSettleAuthorizationConcurrent(t *testing.T) {
	chain := newMockChain()
	chain.receiptGate = make(chan struct{})
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	// Nonce state reads as unused for both callers
	chain.stateErr = errors.New("unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	txs := make([]*x402.PaymentTransaction, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txs[i], errs[i] = engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC)
		}(i)
	}

	// Let one settlement reach the receipt wait before releasing it
	deadline := time.Now().Add(time.Second)
	for chain.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(chain.receiptGate)
	wg.Wait()

	succeeded, replayed := 0, 0
	var winner string
	var replay *x402.PaymentError
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
			winner = txs[i].Hash
		case x402.HasCode(err, x402.ErrCodeNonceAlreadyUsed):
			replayed++
			errors.As(err, &replay)
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if replay != nil && replay.Details["hash"] != winner {
		t.Errorf("replay reported hash %v, want the settled %s", replay.Details["hash"], winner)
	}
	if succeeded != 1 || replayed != 1 {
		t.Errorf("succeeded = %d, replayed = %d, want 1 and 1", succeeded, replayed)
	}
	if chain.writeCount() != 1 {
		t.Errorf("writes = %d, want exactly 1", chain.writeCount())
	}
}

func TestSettleAuthorizationWaitsForInFlightSettlement(t *testing.T) {
	tests := []struct {
		name       string
		finish     func(cache *x402.SettlementCache, key string, done chan struct{})
		wantCode   string
		wantWrites int
	}{
		{
			name: "other settlement succeeds",
			finish: func(cache *x402.SettlementCache, key string, done chan struct{}) {
				cache.Complete(key, &x402.PaymentTransaction{Hash: "0xabc"}, done)
			},
			wantCode:   x402.ErrCodeNonceAlreadyUsed,
			wantWrites: 0,
		},
		{
			name: "other settlement fails",
			finish: func(cache *x402.SettlementCache, key string, done chan struct{}) {
				cache.Fail(key, done)
			},
			wantWrites: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newMockChain()
			cache := x402.NewSettlementCache(time.Minute)
			engine := newTestAuthorizationEngine(t, chain, newKeySigner(), WithSettlementCache(cache))

			auth, err := engine.CreateAuthorization(context.Background(), testRecipient, "1", x402.TokenUSDC, x402.AuthorizationOptions{})
			if err != nil {
				t.Fatalf("CreateAuthorization() error = %v", err)
			}
			key := x402.AuthorizationKey(usdcOnBase().Address, auth.From, auth.Nonce)
			status, _, done := cache.Begin(key)
			if status != x402.StatusNotFound {
				t.Fatalf("Begin() = %v, want StatusNotFound", status)
			}

			result := make(chan error, 1)
			go func() {
				_, err := engine.SettleAuthorization(context.Background(), auth, x402.TokenUSDC)
				result <- err
			}()

			select {
			case err := <-result:
				t.Fatalf("SettleAuthorization() returned %v while another settlement was in flight", err)
			case <-time.After(20 * time.Millisecond):
			}
			tt.finish(cache, key, done)

			err = <-result
			if tt.wantCode == "" && err != nil {
				t.Errorf("SettleAuthorization() error = %v", err)
			}
			if tt.wantCode != "" && !x402.HasCode(err, tt.wantCode) {
				t.Errorf("SettleAuthorization() error = %v, want %s", err, tt.wantCode)
			}
			if chain.writeCount() != tt.wantWrites {
				t.Errorf("writes = %d, want %d", chain.writeCount(), tt.wantWrites)
			}
		})
	}
}

func TestExecuteGasless(t *testing.T) {
	chain := newMockChain()
	engine := newTestAuthorizationEngine(t, chain, newKeySigner())

	tx, err := engine.ExecuteGasless(context.Background(), &x402.PaymentRequest{
		Amount:    "0.5",
		Token:     x402.TokenUSDC,
		Chain:     x402.ChainBase,
		Recipient: testRecipient,
	}, x402.AuthorizationOptions{})
	if err != nil {
		t.Fatalf("ExecuteGasless() error = %v", err)
	}
	if tx.RawAmount != "500000" || !tx.Gasless {
		t.Errorf("unexpected transaction %+v", tx)
	}

	_, err = engine.ExecuteGasless(context.Background(), &x402.PaymentRequest{
		Amount: "0.5", Token: x402.TokenUSDC, Chain: x402.ChainPolygon, Recipient: testRecipient,
	}, x402.AuthorizationOptions{})
	if !x402.HasCode(err, x402.ErrCodeUnsupportedChain) {
		t.Errorf("error = %v, want UNSUPPORTED_CHAIN", err)
	}
}
