package x402

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoSettler is returned by NewClient when no standard settlement engine is set
var ErrNoSettler = errors.New("x402: a standard settlement engine is required")

// Client is the payment orchestrator. It selects between gasless and
// standard settlement, runs the 402 handling loop and notifies listeners.
type Client struct {
	cfg      Config
	standard StandardSettler
	gasless  GaslessSettler
	batch    BatchSettler
	events   *eventBus
	logger   *logrus.Entry
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithStandardSettler sets the direct-transfer engine
func WithStandardSettler(s StandardSettler) ClientOption {
	return func(c *Client) {
		c.standard = s
	}
}

// WithGaslessSettler sets the EIP-3009 engine
func WithGaslessSettler(g GaslessSettler) ClientOption {
	return func(c *Client) {
		c.gasless = g
	}
}

// WithBatchSettler sets the batch engine
func WithBatchSettler(b BatchSettler) ClientOption {
	return func(c *Client) {
		c.batch = b
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.logger = WithCategory(logger, LogCategoryOrchestrator)
	}
}

// WithListener registers an event listener at creation time
func WithListener(l Listener) ClientOption {
	return func(c *Client) {
		c.events.on(l)
	}
}

// NewClient validates cfg and builds an orchestrator
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		logger: WithCategory(NopLogger(), LogCategoryOrchestrator),
	}
	c.events = newEventBus(c.logger)
	for _, opt := range opts {
		opt(c)
	}
	c.events.logger = c.logger
	if c.standard == nil {
		return nil, ErrNoSettler
	}
	return c, nil
}

// Config returns the validated configuration
func (c *Client) Config() Config {
	return c.cfg
}

// Chain is the chain this client pays on
func (c *Client) Chain() Chain {
	return c.cfg.Chain
}

// Address is the payer address, or "" in read-only mode
func (c *Client) Address() string {
	return c.standard.Address()
}

// ChainInfo describes the client's chain
func (c *Client) ChainInfo() ChainInfo {
	info, _ := GetChainInfo(c.cfg.Chain)
	return info
}

// AvailableTokens lists tokens configured on the client's chain
func (c *Client) AvailableTokens() []Token {
	return AvailableTokens(c.cfg.Chain)
}

func (c *Client) resolveToken(token Token) Token {
	if token == "" {
		return DefaultToken(c.cfg.Chain)
	}
	return token
}

// On registers a listener and returns its handle
func (c *Client) On(l Listener) ListenerHandle {
	return c.events.on(l)
}

// Off removes a listener. It reports whether the handle was registered.
func (c *Client) Off(h ListenerHandle) bool {
	return c.events.off(h)
}

// Pay sends amount of token to recipient. An empty token uses the chain default.
func (c *Client) Pay(ctx context.Context, recipient, amount string, token Token) (*PaymentResult, error) {
	return c.PayRequest(ctx, &PaymentRequest{
		Amount:    amount,
		Token:     c.resolveToken(token),
		Chain:     c.cfg.Chain,
		Recipient: recipient,
	})
}

// PayRequest settles req, trying the gasless path first when enabled.
// A gasless failure falls back to a standard transfer only when it is
// retryable; terminal failures are returned to the caller. The request is
// validated before either path runs, so a passed deadline is never paid.
func (c *Client) PayRequest(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if req != nil && req.Chain != c.cfg.Chain {
		return nil, NewPaymentError(ErrCodeUnsupportedChain,
			"client is configured for "+string(c.cfg.Chain)+", request is on "+string(req.Chain),
			map[string]interface{}{"chain": req.Chain, "clientChain": c.cfg.Chain})
	}
	if err := ValidatePaymentRequest(req, time.Now()); err != nil {
		return nil, err
	}

	c.events.emit(ctx, EventPaymentRequested, req, nil)

	if c.cfg.EnableGasless && c.gasless != nil && c.gasless.SupportsGasless(req.Token) {
		tx, err := c.payGasless(ctx, req)
		if err == nil {
			c.events.emit(ctx, EventPaymentConfirmed, tx, nil)
			return &PaymentResult{Transaction: tx, Gasless: true}, nil
		}
		if !IsRetryable(err) {
			c.events.emit(ctx, EventPaymentFailed, req, err)
			return nil, err
		}
		c.logger.WithError(err).WithField("token", req.Token).
			Warn("gasless payment failed, falling back to standard transfer")
	}

	tx, err := c.standard.Execute(ctx, req)
	if err != nil {
		c.events.emit(ctx, EventPaymentFailed, req, err)
		return nil, err
	}
	c.events.emit(ctx, EventPaymentConfirmed, tx, nil)
	return &PaymentResult{Transaction: tx}, nil
}

func (c *Client) payGasless(ctx context.Context, req *PaymentRequest) (*PaymentTransaction, error) {
	auth, err := c.CreateAuthorization(ctx, req.Recipient, req.Amount, req.Token, AuthorizationOptions{})
	if err != nil {
		return nil, err
	}
	return c.SettleGasless(ctx, auth, req.Token)
}

// SupportsGasless reports whether token can be paid gaslessly by this client
func (c *Client) SupportsGasless(token Token) bool {
	return c.gasless != nil && c.gasless.SupportsGasless(c.resolveToken(token))
}

// CreateAuthorization signs an EIP-3009 authorization and emits authorization:created
func (c *Client) CreateAuthorization(ctx context.Context, recipient, amount string, token Token, opts AuthorizationOptions) (*EIP3009Authorization, error) {
	token = c.resolveToken(token)
	if !c.SupportsGasless(token) {
		return nil, NewPaymentError(ErrCodeUnsupportedToken,
			"token "+string(token)+" does not support gasless transfers on "+string(c.cfg.Chain),
			map[string]interface{}{"token": token, "chain": c.cfg.Chain})
	}
	auth, err := c.gasless.CreateAuthorization(ctx, recipient, amount, token, opts)
	if err != nil {
		return nil, err
	}
	c.events.emit(ctx, EventAuthorizationCreated, auth, nil)
	return auth, nil
}

// ValidateAuthorization pre-checks an authorization
func (c *Client) ValidateAuthorization(ctx context.Context, auth *EIP3009Authorization, token Token) AuthorizationVerdict {
	if c.gasless == nil {
		return AuthorizationVerdict{Code: ErrCodeUnsupportedToken, Reason: "gasless payments are not configured"}
	}
	return c.gasless.ValidateAuthorization(ctx, auth, c.resolveToken(token))
}

// SettleGasless submits an authorization and emits authorization:settled
func (c *Client) SettleGasless(ctx context.Context, auth *EIP3009Authorization, token Token) (*PaymentTransaction, error) {
	if c.gasless == nil {
		return nil, NewPaymentError(ErrCodeUnsupportedToken, "gasless payments are not configured", nil)
	}
	tx, err := c.gasless.SettleAuthorization(ctx, auth, c.resolveToken(token))
	if err != nil {
		return nil, err
	}
	c.events.emit(ctx, EventAuthorizationSettled, tx, nil)
	return tx, nil
}

// PayBatch pays each item sequentially with token
func (c *Client) PayBatch(ctx context.Context, items []BatchPaymentItem, token Token, opts BatchOptions) (*BatchPaymentResult, error) {
	if c.batch == nil {
		return nil, errors.New("x402: batch payments are not configured")
	}
	return c.batch.ExecuteMultiple(ctx, items, c.resolveToken(token), opts)
}

// PayViaSplitter pays several tools through the configured revenue splitter
func (c *Client) PayViaSplitter(ctx context.Context, toolNames, amounts []string, token Token) (*PaymentTransaction, error) {
	if c.batch == nil {
		return nil, errors.New("x402: batch payments are not configured")
	}
	if c.cfg.SplitterAddress == "" {
		return nil, NewPaymentError(ErrCodeInvalidPaymentRequest, "no revenue splitter configured", nil)
	}
	tx, err := c.batch.ExecuteViaSplitter(ctx, c.cfg.SplitterAddress, toolNames, amounts, c.resolveToken(token))
	if err != nil {
		return nil, err
	}
	c.events.emit(ctx, EventPaymentConfirmed, tx, nil)
	return tx, nil
}

// GetBalance returns address's balance of token
func (c *Client) GetBalance(ctx context.Context, address string, token Token) (*Balance, error) {
	return c.standard.GetBalance(ctx, address, c.resolveToken(token))
}

// Approve lets spender move amount of token from the payer
func (c *Client) Approve(ctx context.Context, spender, amount string, token Token) (string, error) {
	return c.standard.Approve(ctx, spender, amount, c.resolveToken(token))
}

// GetAllowance returns how much of token spender may move from owner
func (c *Client) GetAllowance(ctx context.Context, owner, spender string, token Token) (*big.Int, error) {
	return c.standard.GetAllowance(ctx, owner, spender, c.resolveToken(token))
}

// HandleOptions controls HandlePaymentRequired
type HandleOptions struct {
	// AutoPayUnder pays without asking when the amount is at or below it
	AutoPayUnder string

	// OnApprovalRequired is asked when auto-pay does not apply
	OnApprovalRequired func(ctx context.Context, req *PaymentRequest) (bool, error)
}

// PaymentRequiredResult is the outcome of HandlePaymentRequired. When
// PaymentRequired is set and Transaction is nil, nothing was paid and the
// caller must decide what to do with Request.
type PaymentRequiredResult struct {
	PaymentRequired bool                `json:"paymentRequired"`
	Request         *PaymentRequest     `json:"paymentRequest,omitempty"`
	Transaction     *PaymentTransaction `json:"transaction,omitempty"`
	Gasless         bool                `json:"gasless,omitempty"`
}

// Paid reports whether a payment was made
func (r *PaymentRequiredResult) Paid() bool {
	return r.Transaction != nil
}

// HandlePaymentRequired parses resp and pays when policy allows
func (c *Client) HandlePaymentRequired(ctx context.Context, resp *Response, opts HandleOptions) (*PaymentRequiredResult, error) {
	if !resp.IsPaymentRequired() {
		return &PaymentRequiredResult{}, nil
	}

	req, err := ParsePaymentRequired(resp)
	if err != nil {
		return nil, err
	}
	result := &PaymentRequiredResult{PaymentRequired: true, Request: req}

	pay := false
	if opts.AutoPayUnder != "" {
		limit, err := decimal.NewFromString(opts.AutoPayUnder)
		if err != nil {
			return nil, WrapPaymentError(ErrCodeInvalidPaymentRequest,
				"invalid auto-pay threshold: "+opts.AutoPayUnder, err, nil)
		}
		amount, _ := decimal.NewFromString(req.Amount)
		pay = amount.LessThanOrEqual(limit)
	}
	if !pay && opts.OnApprovalRequired != nil {
		approved, err := opts.OnApprovalRequired(ctx, req)
		if err != nil {
			return nil, err
		}
		pay = approved
	}
	if !pay {
		c.logger.WithFields(logrus.Fields{"amount": req.Amount, "token": req.Token}).
			Debug("payment required but not approved")
		return result, nil
	}

	paid, err := c.PayRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Transaction = paid.Transaction
	result.Gasless = paid.Gasless
	return result, nil
}

// CreatePaymentRequiredResponse builds a 402 response for servers
func (c *Client) CreatePaymentRequiredResponse(req *PaymentRequest, message string) (*Response, error) {
	return CreatePaymentRequiredResponse(req, message)
}
