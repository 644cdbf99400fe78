package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/mechanisms/evm"
	"github.com/x402-foundation/agentpay/pkg/ratelimit"
)

// DefaultGateValidity is how long a 402 challenge stays payable
const DefaultGateValidity = 300 * time.Second

// DefaultSpentPaymentTTL is how long a gate remembers accepted payment hashes
const DefaultSpentPaymentTTL = 7 * 24 * time.Hour

// GateConfig is the price of one request
type GateConfig struct {
	Amount      string
	Token       x402.Token
	Chain       x402.Chain
	Recipient   string
	Tool        string
	Description string

	// ValidityPeriod sets the challenge deadline (default 300s)
	ValidityPeriod time.Duration

	// Message overrides the 402 body message
	Message string
}

// PriceFunc resolves the price of a request
type PriceFunc func(r *http.Request) (*GateConfig, error)

// KeyFunc derives a rate-limit key or free-tier user from a request.
// An empty result skips the check.
type KeyFunc func(r *http.Request) string

// Receipt describes an accepted payment
type Receipt struct {
	TxHash  string     `json:"txHash"`
	Payer   string     `json:"payer,omitempty"`
	Amount  string     `json:"amount,omitempty"`
	Token   x402.Token `json:"token"`
	Chain   x402.Chain `json:"network"`
	Settled bool       `json:"settled"`
	Free    bool       `json:"free,omitempty"`
}

// Encode renders the receipt as an X-Payment-Response value
func (r *Receipt) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Verifier decides whether an attached payment satisfies a request
type Verifier interface {
	VerifyPayment(ctx context.Context, payment *Envelope, req *x402.PaymentRequest) (*Receipt, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, payment *Envelope, req *x402.PaymentRequest) (*Receipt, error)

// VerifyPayment implements Verifier
func (f VerifierFunc) VerifyPayment(ctx context.Context, payment *Envelope, req *x402.PaymentRequest) (*Receipt, error) {
	return f(ctx, payment, req)
}

// FacilitatorVerifier verifies tx hashes and settles authorizations through a facilitator
type FacilitatorVerifier struct {
	Client *FacilitatorClient
}

// VerifyPayment implements Verifier
func (v FacilitatorVerifier) VerifyPayment(ctx context.Context, payment *Envelope, req *x402.PaymentRequest) (*Receipt, error) {
	if auth := payment.Authorization(); auth != nil {
		if err := checkAuthorizationTerms(auth, req); err != nil {
			return nil, err
		}
		resp, err := v.Client.Settle(ctx, auth, req)
		if err != nil {
			return nil, err
		}
		return &Receipt{TxHash: resp.TxHash, Payer: auth.From, Amount: req.Amount, Token: req.Token, Chain: req.Chain, Settled: true}, nil
	}

	txHash := payment.TxHash()
	if _, err := v.Client.Verify(ctx, txHash, req); err != nil {
		return nil, err
	}
	return &Receipt{TxHash: txHash, Amount: req.Amount, Token: req.Token, Chain: req.Chain}, nil
}

// TxVerifier checks a settled transaction on-chain
type TxVerifier interface {
	VerifyPayment(ctx context.Context, txHash string, req *x402.PaymentRequest) (*evm.Verification, error)
}

// ChainVerifier verifies tx hashes against the chain and settles
// authorizations itself. Gasless may be nil to refuse authorizations.
type ChainVerifier struct {
	Transactions TxVerifier
	Gasless      x402.GaslessSettler
}

// VerifyPayment implements Verifier
func (v ChainVerifier) VerifyPayment(ctx context.Context, payment *Envelope, req *x402.PaymentRequest) (*Receipt, error) {
	if auth := payment.Authorization(); auth != nil {
		if v.Gasless == nil {
			return nil, x402.NewPaymentError(x402.ErrCodeVerificationFailed, "authorizations are not accepted", nil)
		}
		if err := checkAuthorizationTerms(auth, req); err != nil {
			return nil, err
		}
		tx, err := v.Gasless.SettleAuthorization(ctx, auth, req.Token)
		if err != nil {
			return nil, err
		}
		return &Receipt{TxHash: tx.Hash, Payer: tx.From, Amount: tx.Amount, Token: req.Token, Chain: req.Chain, Settled: true}, nil
	}

	txHash := payment.TxHash()
	result, err := v.Transactions.VerifyPayment(ctx, txHash, req)
	if err != nil {
		return nil, err
	}
	if !result.Verified {
		return nil, x402.NewPaymentError(x402.ErrCodeVerificationFailed, "payment verification failed: "+result.Reason,
			map[string]interface{}{"txHash": txHash})
	}
	return &Receipt{TxHash: txHash, Payer: result.From, Amount: result.Amount, Token: req.Token, Chain: req.Chain}, nil
}

// checkAuthorizationTerms makes sure auth pays req before anything is submitted
func checkAuthorizationTerms(auth *x402.EIP3009Authorization, req *x402.PaymentRequest) error {
	if !evm.SameAddress(auth.To, req.Recipient) {
		return x402.NewPaymentError(x402.ErrCodeVerificationFailed, "authorization pays the wrong recipient",
			map[string]interface{}{"to": auth.To, "recipient": req.Recipient})
	}
	tc, err := x402.GetTokenConfig(req.Chain, req.Token)
	if err != nil {
		return err
	}
	required, err := x402.ParseUnits(req.Amount, tc.Decimals)
	if err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Cmp(required) < 0 {
		return x402.NewPaymentError(x402.ErrCodeVerificationFailed, "authorization value is below the price",
			map[string]interface{}{"value": auth.Value, "required": required.String()})
	}
	return nil
}

// Decision is the outcome of Gate.Evaluate. When Allowed is false,
// Response is what the caller must send instead of running the handler.
type Decision struct {
	Allowed  bool
	Receipt  *Receipt
	Response *x402.Response
}

// Gate is the framework-independent payment check behind the middleware
// adapters
type Gate struct {
	price    PriceFunc
	verifier Verifier

	rateStore  ratelimit.RateLimitStore
	rateLimit  int
	rateWindow time.Duration
	rateKey    KeyFunc

	usageStore ratelimit.UsageStore
	freeDaily  int
	freeUser   KeyFunc

	paywall string

	spent *x402.SettlementCache

	logger *logrus.Entry
	now    func() time.Time
}

// GateOption configures a Gate
type GateOption func(*Gate)

// WithRateLimit rejects more than limit requests per window per key.
// A nil key uses the client IP.
func WithRateLimit(store ratelimit.RateLimitStore, limit int, window time.Duration, key KeyFunc) GateOption {
	return func(g *Gate) {
		if key == nil {
			key = ClientIP
		}
		g.rateStore, g.rateLimit, g.rateWindow, g.rateKey = store, limit, window, key
	}
}

// WithFreeTier lets each user call a tool dailyLimit times per day for free
func WithFreeTier(store ratelimit.UsageStore, dailyLimit int, user KeyFunc) GateOption {
	return func(g *Gate) {
		g.usageStore, g.freeDaily, g.freeUser = store, dailyLimit, user
	}
}

// WithPaywall answers unpaid browser requests with an HTML page instead of
// JSON. An empty html uses a minimal default page.
func WithPaywall(html string) GateOption {
	return func(g *Gate) {
		if html == "" {
			html = defaultPaywallHTML
		}
		g.paywall = html
	}
}

// WithSpentPayments sets the store of accepted payment hashes. Gates that
// share a recipient should share one store so a payment unlocks one request.
func WithSpentPayments(cache *x402.SettlementCache) GateOption {
	return func(g *Gate) {
		g.spent = cache
	}
}

// WithGateLogger sets the logger
func WithGateLogger(logger logrus.FieldLogger) GateOption {
	return func(g *Gate) {
		g.logger = x402.WithCategory(logger, x402.LogCategoryGate)
	}
}

// WithGateClock replaces the gate's clock
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a gate with a fixed price
func NewGate(cfg GateConfig, verifier Verifier, opts ...GateOption) (*Gate, error) {
	probe := cfg.request(time.Now())
	probe.Deadline = 0
	if err := x402.ValidatePaymentRequest(probe, time.Now()); err != nil {
		return nil, err
	}
	return NewDynamicGate(func(*http.Request) (*GateConfig, error) { return &cfg, nil }, verifier, opts...)
}

// NewDynamicGate creates a gate whose price is resolved per request
func NewDynamicGate(price PriceFunc, verifier Verifier, opts ...GateOption) (*Gate, error) {
	if price == nil {
		return nil, fmt.Errorf("price function is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	g := &Gate{
		price:    price,
		verifier: verifier,
		logger:   x402.WithCategory(x402.NopLogger(), x402.LogCategoryGate),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.spent == nil {
		g.spent = x402.NewSettlementCache(DefaultSpentPaymentTTL)
	}
	return g, nil
}

func (c *GateConfig) request(now time.Time) *x402.PaymentRequest {
	validity := c.ValidityPeriod
	if validity <= 0 {
		validity = DefaultGateValidity
	}
	return &x402.PaymentRequest{
		Amount:      c.Amount,
		Token:       c.Token,
		Chain:       c.Chain,
		Recipient:   c.Recipient,
		Tool:        c.Tool,
		Description: c.Description,
		Deadline:    now.Add(validity).Unix(),
	}
}

// Evaluate decides whether r may proceed
func (g *Gate) Evaluate(r *http.Request) *Decision {
	ctx := r.Context()
	log := g.logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})

	cfg, err := g.price(r)
	if err != nil {
		log.WithError(err).Error("failed to resolve price")
		return deny(jsonResponse(http.StatusInternalServerError, "", map[string]string{"error": "failed to resolve price"}))
	}
	now := g.now()
	req := cfg.request(now)
	if r.URL != nil {
		req.Resource = r.URL.Path
	}

	if g.rateStore != nil {
		if key := g.rateKey(r); key != "" {
			ok, err := g.rateStore.Allow(ctx, key, g.rateLimit, g.rateWindow)
			if err != nil {
				log.WithError(err).Warn("rate limit store failed, allowing request")
			} else if !ok {
				log.WithField("key", key).Info("rate limit exceeded")
				limit := fmt.Sprintf("%d/%s", g.rateLimit, g.rateWindow)
				return deny(jsonResponse(http.StatusPaymentRequired,
					x402.FormatErrorChallenge(x402.ChallengeErrorRateLimit, "limit", limit),
					map[string]string{"error": "Rate limit exceeded", "code": x402.ErrCodeRateLimitExceeded, "limit": limit}))
			}
		}
	}

	if g.usageStore != nil && g.freeUser != nil {
		if user := g.freeUser(r); user != "" {
			if free, err := g.useFreeTier(ctx, user, cfg.Tool); err != nil {
				log.WithError(err).Warn("usage store failed")
			} else if free {
				return &Decision{Allowed: true, Receipt: &Receipt{Token: req.Token, Chain: req.Chain, Free: true}}
			}
		}
	}

	payment, err := PaymentFromRequest(r, req.Chain)
	if err != nil {
		return deny(verificationFailed(err))
	}
	if payment == nil {
		resp, err := x402.CreatePaymentRequiredResponse(req, cfg.Message)
		if err != nil {
			log.WithError(err).Error("failed to build 402 response")
			return deny(jsonResponse(http.StatusInternalServerError, "", map[string]string{"error": err.Error()}))
		}
		if g.paywall != "" && isWebBrowser(r) {
			resp.Header.Set("Content-Type", "text/html; charset=utf-8")
			resp.Body = []byte(g.paywall)
		}
		return deny(resp)
	}
	if payment.Network != "" && payment.Network != req.Chain {
		return deny(verificationFailed(x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			fmt.Sprintf("payment is on %s, expected %s", payment.Network, req.Chain), nil)))
	}

	var (
		spentKey string
		done     chan struct{}
	)
	if txHash := payment.TxHash(); txHash != "" {
		spentKey = paymentKey(req.Chain, txHash)
		if done, err = g.claimPayment(ctx, spentKey); err != nil {
			log.WithError(err).WithField("txHash", txHash).Info("payment rejected")
			return deny(verificationFailed(err))
		}
	}

	receipt, err := g.verifier.VerifyPayment(ctx, payment, req)
	if err != nil {
		if done != nil {
			g.spent.Fail(spentKey, done)
		}
		if x402.IsRetryable(err) {
			log.WithError(err).Warn("payment verification unavailable")
			return deny(jsonResponse(http.StatusServiceUnavailable, "", map[string]string{
				"error": "payment verification unavailable", "code": x402.ErrorCode(err)}))
		}
		log.WithError(err).Info("payment rejected")
		return deny(verificationFailed(err))
	}
	spentTx := &x402.PaymentTransaction{
		Hash: receipt.TxHash, From: receipt.Payer, Amount: receipt.Amount, Token: receipt.Token,
		Status: x402.TxStatusConfirmed, Timestamp: now,
	}
	if done != nil {
		if spentTx.Hash == "" {
			spentTx.Hash = payment.TxHash()
		}
		g.spent.Complete(spentKey, spentTx, done)
	} else if receipt.TxHash != "" {
		g.markSpent(paymentKey(req.Chain, receipt.TxHash), spentTx)
	}
	log.WithFields(logrus.Fields{"txHash": receipt.TxHash, "settled": receipt.Settled}).Info("payment accepted")
	return &Decision{Allowed: true, Receipt: receipt}
}

func paymentKey(chain x402.Chain, txHash string) string {
	return "tx:" + string(chain) + ":" + strings.ToLower(txHash)
}

// claimPayment reserves a tx hash for this request. A hash that already
// unlocked a request is rejected; one being verified by a concurrent request
// is rejected once that verification succeeds.
func (g *Gate) claimPayment(ctx context.Context, key string) (chan struct{}, error) {
	for {
		status, tx, done := g.spent.Begin(key)
		switch status {
		case x402.StatusNotFound:
			return done, nil
		case x402.StatusSettled:
			return nil, paymentSpent(tx.Hash)
		}
		spent, err := g.spent.Wait(ctx, key, done)
		if err != nil {
			return nil, x402.WrapPaymentError(x402.ErrCodeVerificationFailed,
				"payment verification was interrupted", err, nil)
		}
		if spent != nil {
			return nil, paymentSpent(spent.Hash)
		}
	}
}

// markSpent records the hash of a settlement the verifier submitted itself
func (g *Gate) markSpent(key string, tx *x402.PaymentTransaction) {
	if status, _, done := g.spent.Begin(key); status == x402.StatusNotFound {
		g.spent.Complete(key, tx, done)
	}
}

func paymentSpent(txHash string) error {
	return x402.NewPaymentError(x402.ErrCodeVerificationFailed,
		"payment "+txHash+" has already been used",
		map[string]interface{}{"txHash": txHash})
}

func (g *Gate) useFreeTier(ctx context.Context, user, tool string) (bool, error) {
	ok, err := g.usageStore.CanUse(ctx, user, tool, g.freeDaily)
	if err != nil || !ok {
		return false, err
	}
	return true, g.usageStore.Track(ctx, user, tool)
}

const defaultPaywallHTML = "<html><body>Payment Required</body></html>"

func isWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") && strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

func deny(resp *x402.Response) *Decision {
	return &Decision{Response: resp}
}

func verificationFailed(err error) *x402.Response {
	code := x402.ErrorCode(err)
	if code == "" {
		code = x402.ErrCodeVerificationFailed
	}
	return jsonResponse(http.StatusPaymentRequired,
		x402.FormatErrorChallenge(x402.ChallengeErrorVerificationFailed, "message", err.Error()),
		map[string]string{"error": "Payment verification failed", "code": code, "message": err.Error()})
}

func jsonResponse(status int, challenge string, body interface{}) *x402.Response {
	data, _ := json.Marshal(body)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if challenge != "" {
		header.Set(x402.ChallengeHeader, challenge)
	}
	return &x402.Response{StatusCode: status, Header: header, Body: data}
}

// WriteResponse copies resp onto w
func WriteResponse(w http.ResponseWriter, resp *x402.Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// SetReceiptHeader attaches the X-Payment-Response header for an accepted payment
func SetReceiptHeader(h http.Header, receipt *Receipt) {
	if receipt == nil || receipt.Free {
		return
	}
	if encoded, err := receipt.Encode(); err == nil {
		h.Set(HeaderPaymentResponse, encoded)
	}
}

// ClientIP returns the request's remote IP, honoring X-Forwarded-For
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware wraps next with the gate for net/http servers
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Evaluate(r)
		if !decision.Allowed {
			WriteResponse(w, decision.Response)
			return
		}
		SetReceiptHeader(w.Header(), decision.Receipt)
		next.ServeHTTP(w, r.WithContext(WithReceipt(r.Context(), decision.Receipt)))
	})
}

type receiptKey struct{}

// WithReceipt stores receipt in ctx
func WithReceipt(ctx context.Context, receipt *Receipt) context.Context {
	return context.WithValue(ctx, receiptKey{}, receipt)
}

// ReceiptFromContext returns the receipt a gate stored in ctx
func ReceiptFromContext(ctx context.Context) (*Receipt, bool) {
	receipt, ok := ctx.Value(receiptKey{}).(*Receipt)
	return receipt, ok
}
