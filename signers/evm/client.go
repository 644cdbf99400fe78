// Package evm implements the chain client and signer capabilities of
// mechanisms/evm on top of go-ethereum's ethclient and an ECDSA key.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
	x402evm "github.com/x402-foundation/agentpay/mechanisms/evm"
)

// DefaultPollInterval is how often receipts are polled
const DefaultPollInterval = 2 * time.Second

// Backend is the subset of *ethclient.Client the client needs
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

var _ Backend = (*ethclient.Client)(nil)

// submissionLocks serializes "read pending nonce, build, sign, send" per
// (chain, account) across every Client in the process
var submissionLocks sync.Map

func lockAccount(chainID *big.Int, account common.Address) func() {
	key := chainID.String() + ":" + account.Hex()
	v, _ := submissionLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Client implements x402evm.ChainClient and, when it holds a key,
// x402evm.Signer
type Client struct {
	backend      Backend
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	pollInterval time.Duration
	logger       *logrus.Entry

	mu      sync.Mutex
	chainID *big.Int
}

// Option configures a Client
type Option func(*Client)

// WithPollInterval sets the receipt polling interval
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = x402.WithCategory(logger, x402.LogCategoryStandard).WithField("component", "rpc")
	}
}

// Dial connects to rpcURL. An empty privateKeyHex gives a read-only client.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, opts ...Option) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to connect to "+rpcURL, err, nil)
	}
	return NewClient(eth, privateKeyHex, opts...)
}

// NewClient wraps backend. privateKeyHex may carry a 0x prefix; an empty
// key gives a read-only client.
func NewClient(backend Backend, privateKeyHex string, opts ...Option) (*Client, error) {
	c := &Client{
		backend:      backend,
		pollInterval: DefaultPollInterval,
		logger:       x402.WithCategory(x402.NopLogger(), x402.LogCategoryStandard),
	}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Signer returns the client as a signer, or nil when it holds no key
func (c *Client) Signer() x402evm.Signer {
	if c.privateKey == nil {
		return nil
	}
	return c
}

// Address returns the Ethereum address of the signer, or "" when read-only
func (c *Client) Address() string {
	if c.privateKey == nil {
		return ""
	}
	return c.address.Hex()
}

// ChainID returns the chain ID of the connected network. The first
// successful answer is cached.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// SignTypedData signs EIP-712 typed data.
//
// Returns a 65-byte signature (r, s, v) with v in {27, 28}.
func (c *Client) SignTypedData(
	ctx context.Context,
	domain x402evm.TypedDataDomain,
	types map[string][]x402evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if c.privateKey == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMissingPrivateKey, "a private key is required to sign", nil)
	}
	digest, err := x402evm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// GetBalance returns the native balance of address, or its balance of the
// ERC-20 at tokenAddress
func (c *Client) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" {
		balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}
	result, err := c.ReadContract(ctx, tokenAddress, x402evm.ERC20BalanceOfABI, x402evm.FunctionBalanceOf,
		common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", result)
	}
	return balance, nil
}

// ReadContract reads data from a smart contract
func (c *Client) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(bytes.NewReader(abiBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{
		To:   &addr,
		Data: data,
	}

	result, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract packs and submits a contract call from the signing account
func (c *Client) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(bytes.NewReader(abiBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}
	return c.send(ctx, common.HexToAddress(contractAddress), big.NewInt(0), data)
}

// SendTransaction submits a native transfer with optional calldata
func (c *Client) SendTransaction(ctx context.Context, to string, value *big.Int, data []byte) (string, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	return c.send(ctx, common.HexToAddress(to), value, data)
}

func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	if c.privateKey == nil {
		return "", x402.NewPaymentError(x402.ErrCodeMissingPrivateKey, "a private key is required to send transactions", nil)
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return "", err
	}

	unlock := lockAccount(chainID, c.address)
	defer unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	// Headroom for state changes between estimation and inclusion
	gas = gas * 12 / 10

	tx, err := c.buildTx(ctx, chainID, nonce, gas, to, value, data)
	if err != nil {
		return "", err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"hash":  signed.Hash().Hex(),
		"nonce": nonce,
		"to":    to.Hex(),
	}).Debug("transaction sent")
	return signed.Hash().Hex(), nil
}

// buildTx prefers an EIP-1559 transaction and falls back to a legacy one on
// chains without a base fee
func (c *Client) buildTx(ctx context.Context, chainID *big.Int, nonce, gas uint64, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if head.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or ctx is done
func (c *Client) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return convertReceipt(receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			lastErr = err
			c.logger.WithError(err).WithField("hash", txHash).Debug("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTransaction returns a transaction by hash
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*x402evm.Transaction, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender: %w", err)
	}
	out := &x402evm.Transaction{
		Hash:  tx.Hash().Hex(),
		From:  from.Hex(),
		Value: tx.Value(),
	}
	if tx.To() != nil {
		out.To = tx.To().Hex()
	}
	return out, nil
}

// EstimateGas estimates gas for a call from the signing account
func (c *Client) EstimateGas(ctx context.Context, to string, value *big.Int, data []byte) (uint64, error) {
	addr := common.HexToAddress(to)
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &addr, Value: value, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

func convertReceipt(r *types.Receipt) *x402evm.TransactionReceipt {
	out := &x402evm.TransactionReceipt{
		Status:  r.Status,
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, x402evm.Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    l.Data,
		})
	}
	return out
}

var (
	_ x402evm.ChainClient = (*Client)(nil)
	_ x402evm.Signer      = (*Client)(nil)
)
