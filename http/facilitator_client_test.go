package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/x402-foundation/agentpay"
)

const (
	testPayer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testTxHash    = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func testPaymentRequest() *x402.PaymentRequest {
	return &x402.PaymentRequest{
		Amount:    "0.5",
		Token:     x402.TokenUSDC,
		Chain:     x402.ChainBase,
		Recipient: testRecipient,
	}
}

func TestNewHTTPFacilitatorClient(t *testing.T) {
	// Test with default config
	client := NewHTTPFacilitatorClient(nil)
	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if client.URL() != x402.DefaultFacilitatorURL {
		t.Errorf("Expected default URL %s, got %s", x402.DefaultFacilitatorURL, client.URL())
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %s", client.httpClient.Timeout)
	}
	if client.maxRetries != 3 {
		t.Errorf("Expected 3 retries, got %d", client.maxRetries)
	}

	// Test with custom config
	client = NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:     "https://custom.facilitator.com/",
		Timeout: 5 * time.Second,
	})
	if client.URL() != "https://custom.facilitator.com" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.URL())
	}
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %s", client.httpClient.Timeout)
	}
}

func TestFacilitatorClientVerify(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var body VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if body.TxHash != testTxHash {
			t.Errorf("Expected tx hash %s, got %s", testTxHash, body.TxHash)
		}
		if body.PaymentRequest == nil || body.PaymentRequest.Amount != "0.5" {
			t.Errorf("Expected payment request to be forwarded, got %+v", body.PaymentRequest)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(VerifyResponse{Verified: true, Timestamp: 1700000000})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
	resp, err := client.Verify(ctx, testTxHash, testPaymentRequest())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Verified || resp.Timestamp != 1700000000 {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestFacilitatorClientVerifyRejected(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{name: "not verified", status: http.StatusOK, body: `{"verified":false,"error":"amount too low"}`, wantCode: x402.ErrCodeVerificationFailed},
		{name: "bad request", status: http.StatusBadRequest, body: `{"verified":false}`, wantCode: x402.ErrCodeVerificationFailed},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":"upstream"}`, wantCode: x402.ErrCodeNetworkError},
		{name: "garbage", status: http.StatusOK, body: `not json`, wantCode: x402.ErrCodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
			_, err := client.Verify(context.Background(), testTxHash, testPaymentRequest())
			if got := x402.ErrorCode(err); got != tt.wantCode {
				t.Errorf("Expected code %s, got %s (err = %v)", tt.wantCode, got, err)
			}
		})
	}
}

func TestFacilitatorClientSettle(t *testing.T) {
	auth := &x402.EIP3009Authorization{
		From:  testPayer,
		To:    testRecipient,
		Value: "500000",
		Nonce: "0x01",
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer settle-token" {
			t.Errorf("Expected settle auth header, got %q", r.Header.Get("Authorization"))
		}
		var body SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if body.Authorization == nil || body.Authorization.Value != "500000" {
			t.Errorf("Expected authorization to be forwarded, got %+v", body.Authorization)
		}
		json.NewEncoder(w).Encode(SettleResponse{Success: true, TxHash: testTxHash})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: staticAuth{settle: map[string]string{"Authorization": "Bearer settle-token"}},
	})
	resp, err := client.Settle(context.Background(), auth, testPaymentRequest())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.TxHash != testTxHash {
		t.Errorf("Expected tx hash %s, got %s", testTxHash, resp.TxHash)
	}
}

func TestFacilitatorClientSettleFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{name: "rejected", status: http.StatusOK, body: `{"success":false,"error":"nonce used"}`, wantCode: x402.ErrCodePaymentRejected},
		{name: "server error", status: http.StatusInternalServerError, body: `{"success":false}`, wantCode: x402.ErrCodeTransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})
			_, err := client.Settle(context.Background(), &x402.EIP3009Authorization{}, testPaymentRequest())
			if got := x402.ErrorCode(err); got != tt.wantCode {
				t.Errorf("Expected code %s, got %s (err = %v)", tt.wantCode, got, err)
			}
		})
	}
}

func TestFacilitatorClientRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(VerifyResponse{Verified: true})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, RetryBaseDelay: time.Millisecond})
	if _, err := client.Verify(context.Background(), testTxHash, testPaymentRequest()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestFacilitatorClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	_, err := client.Verify(context.Background(), testTxHash, testPaymentRequest())
	if !x402.HasCode(err, x402.ErrCodeRateLimitExceeded) {
		t.Errorf("Expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
}

func TestFacilitatorClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: url})
	_, err := client.Verify(context.Background(), testTxHash, testPaymentRequest())
	if !x402.HasCode(err, x402.ErrCodeNetworkError) {
		t.Errorf("Expected NETWORK_ERROR, got %v", err)
	}
	if !x402.IsRetryable(err) {
		t.Error("Expected transport failure to be retryable")
	}
}

type staticAuth struct {
	verify map[string]string
	settle map[string]string
}

func (a staticAuth) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	return AuthHeaders{Verify: a.verify, Settle: a.settle}, nil
}

func TestRelayedSettler(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if body.PaymentRequest == nil || body.PaymentRequest.Amount != "0.5" {
			t.Errorf("Expected the amount in display units, got %+v", body.PaymentRequest)
		}
		json.NewEncoder(w).Encode(SettleResponse{Success: true, TxHash: testTxHash})
	}))
	defer server.Close()

	facilitator := NewHTTPFacilitatorClient(&FacilitatorConfig{URL: server.URL})

	t.Run("settles through the facilitator", func(t *testing.T) {
		local := &mockGasless{verdict: x402.AuthorizationVerdict{Valid: true}}
		settler := NewRelayedSettler(local, facilitator, x402.ChainBase)

		tx, err := settler.SettleAuthorization(context.Background(), testAuthorization(), x402.TokenUSDC)
		if err != nil {
			t.Fatalf("SettleAuthorization() error = %v", err)
		}
		if tx.Hash != testTxHash || !tx.Gasless || tx.Status != x402.TxStatusConfirmed {
			t.Errorf("Unexpected transaction %+v", tx)
		}
		if tx.ChainID != 8453 || tx.Amount != "0.5" {
			t.Errorf("Expected chain 8453 and amount 0.5, got %d %s", tx.ChainID, tx.Amount)
		}
		if len(local.settled) != 0 {
			t.Error("The local engine must not submit")
		}
	})

	t.Run("refuses invalid authorization", func(t *testing.T) {
		before := calls.Load()
		local := &mockGasless{verdict: x402.AuthorizationVerdict{Code: x402.ErrCodeInvalidSignature, Reason: "bad signature"}}
		settler := NewRelayedSettler(local, facilitator, x402.ChainBase)

		_, err := settler.SettleAuthorization(context.Background(), testAuthorization(), x402.TokenUSDC)
		if !x402.HasCode(err, x402.ErrCodeInvalidSignature) {
			t.Errorf("Expected INVALID_SIGNATURE, got %v", err)
		}
		if calls.Load() != before {
			t.Error("Nothing may reach the facilitator")
		}
	})
}
