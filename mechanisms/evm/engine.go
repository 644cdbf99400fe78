package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// Option configures the EVM engines
type Option func(*engineConfig)

type engineConfig struct {
	receiptTimeout time.Duration
	validityPeriod int64
	logger         logrus.FieldLogger
	now            func() time.Time
	cache          *x402.SettlementCache
}

func newEngineConfig(opts []Option) engineConfig {
	cfg := engineConfig{
		validityPeriod: DefaultValidityPeriod,
		logger:         x402.NopLogger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cache == nil {
		cfg.cache = x402.NewSettlementCache(DefaultSettlementTTL)
	}
	return cfg
}

// WithReceiptTimeout caps how long a receipt wait may take. Zero leaves
// the wait bound only by the caller's context.
func WithReceiptTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.receiptTimeout = d
	}
}

// WithValidityPeriod sets the default authorization window in seconds
func WithValidityPeriod(seconds int64) Option {
	return func(c *engineConfig) {
		if seconds > 0 {
			c.validityPeriod = seconds
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		c.now = now
	}
}

// WithSettlementCache shares a settlement cache between engines
func WithSettlementCache(cache *x402.SettlementCache) Option {
	return func(c *engineConfig) {
		c.cache = cache
	}
}

// chainIDCache reads the chain ID once per engine
type chainIDCache struct {
	mu       sync.Mutex
	id       *big.Int
	fallback int64
}

func (c *chainIDCache) get(ctx context.Context, client ChainClient) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != nil {
		return c.id, nil
	}
	if client == nil {
		c.id = big.NewInt(c.fallback)
		return c.id, nil
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to read chain id", err, nil)
	}
	c.id = id
	return id, nil
}

// awaitReceipt waits for txHash to be mined. Once a transaction has been
// broadcast its fate is unknown until a receipt arrives, so any failure here
// is reported as a timeout rather than a failed payment.
func (c engineConfig) awaitReceipt(ctx context.Context, client ChainClient, txHash string) (*TransactionReceipt, error) {
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}
	receipt, err := client.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodePaymentTimeout,
			"transaction "+txHash+" was submitted but not confirmed", err,
			map[string]interface{}{"hash": txHash, "status": "unknown"})
	}
	return receipt, nil
}

// finalize resolves a pending transaction from its receipt
func (c engineConfig) finalize(ctx context.Context, client ChainClient, tx *x402.PaymentTransaction) error {
	receipt, err := c.awaitReceipt(ctx, client, tx.Hash)
	if err != nil {
		return err
	}
	if receipt.Status != TxStatusSuccess {
		if err := tx.Resolve(x402.TxStatusFailed, receipt.BlockNumber, receipt.GasUsed); err != nil {
			return err
		}
		return x402.NewPaymentError(x402.ErrCodeTransactionReverted,
			"transaction "+tx.Hash+" reverted",
			map[string]interface{}{"hash": tx.Hash, "transaction": tx})
	}
	return tx.Resolve(x402.TxStatusConfirmed, receipt.BlockNumber, receipt.GasUsed)
}

// submitFailed classifies an error returned before a transaction was broadcast
func submitFailed(action string, err error) error {
	if x402.ErrorCode(err) != "" {
		return err
	}
	return x402.WrapPaymentError(x402.ErrCodeTransactionFailed, action+" failed", err, nil)
}

func missingKey(operation string) error {
	return x402.NewPaymentError(x402.ErrCodeMissingPrivateKey,
		"a private key is required to "+operation, nil)
}

func packCall(abiJSON []byte, functionName string, args ...interface{}) ([]byte, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := parsed.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", functionName, err)
	}
	return data, nil
}

func toBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case big.Int:
		return &n, nil
	default:
		return nil, fmt.Errorf("unexpected result type %T", v)
	}
}
