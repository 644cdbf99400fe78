package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// FacilitatorClient talks to a remote facilitator that verifies settled
// payments and relays signed authorizations
type FacilitatorClient struct {
	url            string
	httpClient     *http.Client
	authProvider   AuthProvider
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *logrus.Entry
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify map[string]string
	Settle map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// MaxRetries bounds attempts on 429 responses (optional, defaults to 3)
	MaxRetries int

	// RetryBaseDelay is the first backoff delay (optional, defaults to 1s)
	RetryBaseDelay time.Duration

	// Logger (optional)
	Logger logrus.FieldLogger
}

const (
	defaultFacilitatorTimeout = 30 * time.Second
	defaultMaxRetries         = 3
	defaultRetryBaseDelay     = 1 * time.Second
)

// VerifyRequest is the body of POST /verify
type VerifyRequest struct {
	TxHash         string              `json:"txHash"`
	PaymentRequest *x402.PaymentRequest `json:"paymentRequest"`
}

// VerifyResponse is the body returned by POST /verify
type VerifyResponse struct {
	Verified  bool   `json:"verified"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SettleRequest is the body of POST /settle
type SettleRequest struct {
	Authorization  *x402.EIP3009Authorization `json:"authorization"`
	PaymentRequest *x402.PaymentRequest       `json:"paymentRequest"`
}

// SettleResponse is the body returned by POST /settle
type SettleResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = x402.DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultFacilitatorTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := config.RetryBaseDelay
	if delay <= 0 {
		delay = defaultRetryBaseDelay
	}
	var logger logrus.FieldLogger = config.Logger
	if logger == nil {
		logger = x402.NopLogger()
	}

	return &FacilitatorClient{
		url:            url,
		httpClient:     httpClient,
		authProvider:   config.AuthProvider,
		maxRetries:     maxRetries,
		retryBaseDelay: delay,
		logger:         x402.WithCategory(logger, x402.LogCategoryFacilitator),
	}
}

// URL returns the facilitator base URL
func (c *FacilitatorClient) URL() string {
	return c.url
}

// Verify asks the facilitator whether txHash settles req. A negative answer
// is a VerificationFailed error; transport failures are NetworkError.
func (c *FacilitatorClient) Verify(ctx context.Context, txHash string, req *x402.PaymentRequest) (*VerifyResponse, error) {
	var headers map[string]string
	if c.authProvider != nil {
		auth, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		headers = auth.Verify
	}

	status, body, err := c.post(ctx, "/verify", VerifyRequest{TxHash: txHash, PaymentRequest: req}, headers)
	if err != nil {
		return nil, err
	}

	var verifyResponse VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError,
			fmt.Sprintf("facilitator verify failed (%d): %s", status, string(body)), err, nil)
	}
	if status >= http.StatusInternalServerError {
		return &verifyResponse, x402.NewPaymentError(x402.ErrCodeNetworkError,
			fmt.Sprintf("facilitator verify failed (%d): %s", status, verifyResponse.Error), nil)
	}
	if status != http.StatusOK || !verifyResponse.Verified {
		reason := verifyResponse.Error
		if reason == "" {
			reason = fmt.Sprintf("facilitator returned %d", status)
		}
		return &verifyResponse, x402.NewPaymentError(x402.ErrCodeVerificationFailed, "payment verification failed: "+reason,
			map[string]interface{}{"txHash": txHash, "status": status})
	}
	return &verifyResponse, nil
}

// Settle relays a signed authorization through the facilitator
func (c *FacilitatorClient) Settle(ctx context.Context, auth *x402.EIP3009Authorization, req *x402.PaymentRequest) (*SettleResponse, error) {
	var headers map[string]string
	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		headers = authHeaders.Settle
	}

	status, body, err := c.post(ctx, "/settle", SettleRequest{Authorization: auth, PaymentRequest: req}, headers)
	if err != nil {
		return nil, err
	}

	var settleResponse SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError,
			fmt.Sprintf("facilitator settle failed (%d): %s", status, string(body)), err, nil)
	}
	if status >= http.StatusInternalServerError {
		return &settleResponse, x402.NewPaymentError(x402.ErrCodeTransactionFailed,
			fmt.Sprintf("facilitator settle failed (%d): %s", status, settleResponse.Error), nil)
	}
	if status != http.StatusOK || !settleResponse.Success {
		reason := settleResponse.Error
		if reason == "" {
			reason = fmt.Sprintf("facilitator returned %d", status)
		}
		return &settleResponse, x402.NewPaymentError(x402.ErrCodePaymentRejected, "facilitator rejected settlement: "+reason,
			map[string]interface{}{"status": status})
	}
	return &settleResponse, nil
}

// post sends body as JSON and retries with exponential backoff on 429
func (c *FacilitatorClient) post(ctx context.Context, path string, body interface{}, headers map[string]string) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	var lastStatus int
	var lastBody []byte
	for attempt := range c.maxRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, path+" request failed", err, nil)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to read response body", err, nil)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp.StatusCode, responseBody, nil
		}
		lastStatus, lastBody = resp.StatusCode, responseBody

		// Retry on 429 with exponential backoff, except on the last attempt
		if attempt < c.maxRetries-1 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
			c.logger.WithFields(logrus.Fields{"path": path, "attempt": attempt + 1, "delay": delay}).
				Debug("facilitator rate limited, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return 0, nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, path+" request cancelled", ctx.Err(), nil)
			}
		}
	}

	return 0, nil, x402.NewPaymentError(x402.ErrCodeRateLimitExceeded,
		fmt.Sprintf("facilitator %s rate limited (%d): %s", path, lastStatus, string(lastBody)),
		map[string]interface{}{"attempts": c.maxRetries})
}

// ============================================================================
// Facilitator-relayed gasless settlement
// ============================================================================

// RelayedSettler is an x402.GaslessSettler that signs locally and lets the
// facilitator submit the authorization, so the payer never spends gas
type RelayedSettler struct {
	local       x402.GaslessSettler
	facilitator *FacilitatorClient
	chain       x402.Chain
	now         func() time.Time
}

// NewRelayedSettler wraps local, which still creates and pre-checks
// authorizations
func NewRelayedSettler(local x402.GaslessSettler, facilitator *FacilitatorClient, chain x402.Chain) *RelayedSettler {
	return &RelayedSettler{local: local, facilitator: facilitator, chain: chain, now: time.Now}
}

// SupportsGasless delegates to the local engine
func (s *RelayedSettler) SupportsGasless(token x402.Token) bool {
	return s.local.SupportsGasless(token)
}

// CreateAuthorization delegates to the local engine
func (s *RelayedSettler) CreateAuthorization(ctx context.Context, recipient, amount string, token x402.Token, opts x402.AuthorizationOptions) (*x402.EIP3009Authorization, error) {
	return s.local.CreateAuthorization(ctx, recipient, amount, token, opts)
}

// ValidateAuthorization delegates to the local engine
func (s *RelayedSettler) ValidateAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) x402.AuthorizationVerdict {
	return s.local.ValidateAuthorization(ctx, auth, token)
}

// SettleAuthorization pre-checks auth and posts it to the facilitator
func (s *RelayedSettler) SettleAuthorization(ctx context.Context, auth *x402.EIP3009Authorization, token x402.Token) (*x402.PaymentTransaction, error) {
	if verdict := s.local.ValidateAuthorization(ctx, auth, token); !verdict.Valid {
		return nil, x402.NewPaymentError(verdict.Code, verdict.Reason, nil)
	}
	tc, err := x402.GetTokenConfig(s.chain, token)
	if err != nil {
		return nil, err
	}
	info, err := x402.GetChainInfo(s.chain)
	if err != nil {
		return nil, err
	}
	raw, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid authorization value: "+auth.Value, nil)
	}
	amount := x402.FormatUnits(raw, tc.Decimals)

	req := &x402.PaymentRequest{Amount: amount, Token: token, Chain: s.chain, Recipient: auth.To}
	resp, err := s.facilitator.Settle(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	tx := &x402.PaymentTransaction{
		Hash:         resp.TxHash,
		ChainID:      info.ChainID,
		From:         auth.From,
		To:           auth.To,
		Amount:       amount,
		RawAmount:    auth.Value,
		Token:        token,
		TokenAddress: tc.Address,
		Status:       x402.TxStatusPending,
		Timestamp:    s.now(),
		Gasless:      true,
	}
	if err := tx.Resolve(x402.TxStatusConfirmed, 0, 0); err != nil {
		return nil, err
	}
	return tx, nil
}

var _ x402.GaslessSettler = (*RelayedSettler)(nil)
