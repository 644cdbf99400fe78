package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// StandardEngine settles payments with direct native or ERC-20 transfers
// submitted and paid for by the signing account
type StandardEngine struct {
	chain   x402.Chain
	client  ChainClient
	signer  Signer
	cfg     engineConfig
	chainID chainIDCache
	logger  *logrus.Entry
}

// NewStandardEngine creates a settlement engine for chain. A nil signer
// leaves the engine read-only.
func NewStandardEngine(chain x402.Chain, client ChainClient, signer Signer, opts ...Option) (*StandardEngine, error) {
	info, err := x402.GetChainInfo(chain)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeNetworkError, "a chain client is required", nil)
	}
	cfg := newEngineConfig(opts)
	return &StandardEngine{
		chain:   chain,
		client:  client,
		signer:  signer,
		cfg:     cfg,
		chainID: chainIDCache{fallback: info.ChainID},
		logger:  x402.WithCategory(cfg.logger, x402.LogCategoryStandard),
	}, nil
}

// Chain returns the engine's chain
func (e *StandardEngine) Chain() x402.Chain {
	return e.chain
}

// Address returns the payer address, or "" when read-only
func (e *StandardEngine) Address() string {
	if e.signer == nil {
		return ""
	}
	return e.signer.Address()
}

// Execute transfers req.Amount of req.Token to req.Recipient and waits for
// the receipt. The balance is checked first so a doomed transfer never
// costs gas.
func (e *StandardEngine) Execute(ctx context.Context, req *x402.PaymentRequest) (*x402.PaymentTransaction, error) {
	if e.signer == nil {
		return nil, missingKey("send a payment")
	}
	if req == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "payment request is required", nil)
	}
	if req.Chain != e.chain {
		return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedChain,
			"request is on "+string(req.Chain)+", engine is on "+string(e.chain),
			map[string]interface{}{"chain": req.Chain})
	}
	if err := x402.ValidatePaymentRequest(req, e.cfg.now()); err != nil {
		return nil, err
	}
	tc, err := x402.GetTokenConfig(e.chain, req.Token)
	if err != nil {
		return nil, err
	}
	raw, err := x402.ParseUnits(req.Amount, tc.Decimals)
	if err != nil {
		return nil, err
	}
	return e.transfer(ctx, req.Recipient, raw, tc)
}

// transfer checks the balance, submits and waits for one transfer
func (e *StandardEngine) transfer(ctx context.Context, recipient string, raw *big.Int, tc x402.TokenConfig) (*x402.PaymentTransaction, error) {
	from := e.signer.Address()
	if err := e.requireBalance(ctx, from, raw, tc); err != nil {
		return nil, err
	}
	chainID, err := e.chainID.get(ctx, e.client)
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(recipient)
	var txHash string
	if tc.Native {
		txHash, err = e.client.SendTransaction(ctx, to.Hex(), raw, nil)
	} else {
		txHash, err = e.client.WriteContract(ctx, tc.Address, ERC20TransferABI, FunctionTransfer, to, raw)
	}
	if err != nil {
		return nil, submitFailed("transfer", err)
	}

	tx := &x402.PaymentTransaction{
		Hash:         txHash,
		ChainID:      chainID.Int64(),
		From:         from,
		To:           to.Hex(),
		Amount:       x402.FormatUnits(raw, tc.Decimals),
		RawAmount:    raw.String(),
		Token:        tc.Symbol,
		TokenAddress: tc.Address,
		Status:       x402.TxStatusPending,
		Timestamp:    e.cfg.now(),
	}
	e.logger.WithFields(logrus.Fields{
		"hash":   txHash,
		"to":     tx.To,
		"amount": tx.Amount,
		"token":  tc.Symbol,
	}).Info("transfer submitted")

	if err := e.cfg.finalize(ctx, e.client, tx); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"hash": txHash, "block": tx.BlockNumber}).Info("transfer confirmed")
	return tx, nil
}

func (e *StandardEngine) requireBalance(ctx context.Context, owner string, required *big.Int, tc x402.TokenConfig) error {
	balance, err := e.client.GetBalance(ctx, owner, tc.Address)
	if err != nil {
		return x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to read balance", err,
			map[string]interface{}{"address": owner, "token": tc.Symbol})
	}
	if balance.Cmp(required) < 0 {
		return x402.NewPaymentError(x402.ErrCodeInsufficientBalance,
			"insufficient "+string(tc.Symbol)+" balance",
			map[string]interface{}{
				"balance":  x402.FormatUnits(balance, tc.Decimals),
				"required": x402.FormatUnits(required, tc.Decimals),
				"token":    tc.Symbol,
			})
	}
	return nil
}

// GetBalance returns address's balance of token
func (e *StandardEngine) GetBalance(ctx context.Context, address string, token x402.Token) (*x402.Balance, error) {
	if !x402.IsAddress(address) {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid address: "+address, nil)
	}
	tc, err := x402.GetTokenConfig(e.chain, token)
	if err != nil {
		return nil, err
	}
	raw, err := e.client.GetBalance(ctx, address, tc.Address)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to read balance", err,
			map[string]interface{}{"address": address, "token": token})
	}
	return &x402.Balance{
		Address:   address,
		Token:     tc.Symbol,
		Raw:       raw.String(),
		Formatted: x402.FormatUnits(raw, tc.Decimals),
		Decimals:  tc.Decimals,
	}, nil
}

// Approve lets spender move amount of token from the signer. It returns the
// transaction hash without waiting for inclusion.
func (e *StandardEngine) Approve(ctx context.Context, spender, amount string, token x402.Token) (string, error) {
	if e.signer == nil {
		return "", missingKey("approve a spender")
	}
	tc, err := e.erc20(token)
	if err != nil {
		return "", err
	}
	if !x402.IsAddress(spender) {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid spender address: "+spender, nil)
	}
	raw, err := x402.ParseUnits(amount, tc.Decimals)
	if err != nil {
		return "", err
	}
	return e.approve(ctx, spender, raw, tc)
}

func (e *StandardEngine) approve(ctx context.Context, spender string, raw *big.Int, tc x402.TokenConfig) (string, error) {
	txHash, err := e.client.WriteContract(ctx, tc.Address, ERC20ApproveABI, FunctionApprove,
		common.HexToAddress(spender), raw)
	if err != nil {
		return "", submitFailed("approve", err)
	}
	e.logger.WithFields(logrus.Fields{"hash": txHash, "spender": spender, "token": tc.Symbol}).Info("approval submitted")
	return txHash, nil
}

// GetAllowance returns how much of token spender may move from owner.
// Native assets have no allowance and always report zero.
func (e *StandardEngine) GetAllowance(ctx context.Context, owner, spender string, token x402.Token) (*big.Int, error) {
	tc, err := x402.GetTokenConfig(e.chain, token)
	if err != nil {
		return nil, err
	}
	if tc.Native {
		return big.NewInt(0), nil
	}
	return e.allowance(ctx, owner, spender, tc)
}

func (e *StandardEngine) allowance(ctx context.Context, owner, spender string, tc x402.TokenConfig) (*big.Int, error) {
	result, err := e.client.ReadContract(ctx, tc.Address, ERC20AllowanceABI, FunctionAllowance,
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to read allowance", err,
			map[string]interface{}{"owner": owner, "spender": spender, "token": tc.Symbol})
	}
	return toBigInt(result)
}

// ensureAllowance approves spender for required and waits for the approval
// when the current allowance is short
func (e *StandardEngine) ensureAllowance(ctx context.Context, spender string, required *big.Int, tc x402.TokenConfig) error {
	current, err := e.allowance(ctx, e.signer.Address(), spender, tc)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}
	e.logger.WithFields(logrus.Fields{
		"spender":  spender,
		"current":  current.String(),
		"required": required.String(),
	}).Debug("allowance too low, approving")

	txHash, err := e.approve(ctx, spender, required, tc)
	if err != nil {
		return err
	}
	receipt, err := e.cfg.awaitReceipt(ctx, e.client, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != TxStatusSuccess {
		return x402.NewPaymentError(x402.ErrCodeTransactionReverted,
			"approval "+txHash+" reverted", map[string]interface{}{"hash": txHash})
	}
	return nil
}

func (e *StandardEngine) erc20(token x402.Token) (x402.TokenConfig, error) {
	tc, err := x402.GetTokenConfig(e.chain, token)
	if err != nil {
		return tc, err
	}
	if tc.Native {
		return tc, x402.NewPaymentError(x402.ErrCodeUnsupportedToken,
			string(token)+" is the native asset of "+string(e.chain)+" and has no allowance",
			map[string]interface{}{"token": token, "chain": e.chain})
	}
	return tc, nil
}

// EstimateGas estimates the gas needed to settle req with a direct transfer
func (e *StandardEngine) EstimateGas(ctx context.Context, req *x402.PaymentRequest) (uint64, error) {
	tc, err := x402.GetTokenConfig(e.chain, req.Token)
	if err != nil {
		return 0, err
	}
	raw, err := x402.ParseUnits(req.Amount, tc.Decimals)
	if err != nil {
		return 0, err
	}
	var gas uint64
	if tc.Native {
		gas, err = e.client.EstimateGas(ctx, req.Recipient, raw, nil)
	} else {
		data, perr := packCall(ERC20TransferABI, FunctionTransfer, common.HexToAddress(req.Recipient), raw)
		if perr != nil {
			return 0, perr
		}
		gas, err = e.client.EstimateGas(ctx, tc.Address, big.NewInt(0), data)
	}
	if err != nil {
		return 0, x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to estimate gas", err, nil)
	}
	return gas, nil
}

// Verification is the result of checking a claimed payment on-chain
type Verification struct {
	Verified    bool   `json:"verified"`
	TxHash      string `json:"txHash"`
	From        string `json:"from,omitempty"`
	Amount      string `json:"amount,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyPayment checks that txHash succeeded and paid at least req.Amount
// of req.Token to req.Recipient. A transport failure is returned as an
// error; a transaction that does not satisfy req yields Verified=false.
func (e *StandardEngine) VerifyPayment(ctx context.Context, txHash string, req *x402.PaymentRequest) (*Verification, error) {
	tc, err := x402.GetTokenConfig(e.chain, req.Token)
	if err != nil {
		return nil, err
	}
	required, err := x402.ParseUnits(req.Amount, tc.Decimals)
	if err != nil {
		return nil, err
	}

	receipt, err := e.cfg.awaitReceipt(ctx, e.client, txHash)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeVerificationFailed,
			"failed to read receipt for "+txHash, err, map[string]interface{}{"hash": txHash})
	}
	result := &Verification{TxHash: txHash, BlockNumber: receipt.BlockNumber}
	if receipt.Status != TxStatusSuccess {
		result.Reason = "transaction reverted"
		return result, nil
	}

	if tc.Native {
		tx, err := e.client.GetTransaction(ctx, txHash)
		if err != nil {
			return nil, x402.WrapPaymentError(x402.ErrCodeVerificationFailed,
				"failed to read transaction "+txHash, err, map[string]interface{}{"hash": txHash})
		}
		switch {
		case !SameAddress(tx.To, req.Recipient):
			result.Reason = "transaction recipient does not match"
		case tx.Value == nil || tx.Value.Cmp(required) < 0:
			result.Reason = "transaction value is below the requested amount"
		default:
			result.Verified = true
			result.From = tx.From
			result.Amount = x402.FormatUnits(tx.Value, tc.Decimals)
		}
		return result, nil
	}

	paid, from := transferredTo(receipt.Logs, tc.Address, req.Recipient)
	if paid.Cmp(required) < 0 {
		result.Reason = "no matching token transfer to the recipient"
		return result, nil
	}
	result.Verified = true
	result.From = from
	result.Amount = x402.FormatUnits(paid, tc.Decimals)
	return result, nil
}

// transferredTo sums ERC-20 Transfer events from token to recipient
func transferredTo(logs []Log, token, recipient string) (*big.Int, string) {
	total := new(big.Int)
	from := ""
	for _, l := range logs {
		if !SameAddress(l.Address, token) || len(l.Topics) != 3 {
			continue
		}
		if !strings.EqualFold(l.Topics[0], TransferEventTopic) {
			continue
		}
		if !SameAddress(topicAddress(l.Topics[2]), recipient) {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
		if from == "" {
			from = topicAddress(l.Topics[1])
		}
	}
	return total, from
}

func topicAddress(topic string) string {
	return common.BytesToAddress(common.FromHex(topic)).Hex()
}

var _ x402.StandardSettler = (*StandardEngine)(nil)
