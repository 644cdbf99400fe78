package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// BatchEngine pays lists of recipients. Items are settled one at a time so
// that a single signing account never has two transactions racing for a nonce.
type BatchEngine struct {
	std    *StandardEngine
	logger *logrus.Entry
}

// NewBatchEngine creates a batch engine on top of a standard engine
func NewBatchEngine(std *StandardEngine) *BatchEngine {
	return &BatchEngine{
		std:    std,
		logger: x402.WithCategory(std.cfg.logger, x402.LogCategoryBatch),
	}
}

// ExecuteMultiple pays each item in order. Item failures are collected in
// the result; by default the first one stops the batch.
func (b *BatchEngine) ExecuteMultiple(ctx context.Context, items []x402.BatchPaymentItem, token x402.Token, opts x402.BatchOptions) (*x402.BatchPaymentResult, error) {
	if b.std.signer == nil {
		return nil, missingKey("send a batch")
	}
	tc, err := x402.GetTokenConfig(b.std.chain, token)
	if err != nil {
		return nil, err
	}

	result := &x402.BatchPaymentResult{
		Successful: []*x402.PaymentTransaction{},
		Failed:     []x402.FailedPayment{},
	}
	total := decimal.Zero

	for i, item := range items {
		tx, err := b.std.Execute(ctx, &x402.PaymentRequest{
			Amount:    item.Amount,
			Token:     tc.Symbol,
			Chain:     b.std.chain,
			Recipient: item.Recipient,
			Reference: item.Reference,
		})
		if err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"index":     i,
				"recipient": item.Recipient,
			}).Warn("batch item failed")
			result.Failed = append(result.Failed, x402.FailedPayment{Item: item, Error: err.Error()})
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		result.Successful = append(result.Successful, tx)
		result.TotalGasUsed += tx.GasUsed
		if amount, err := decimal.NewFromString(tx.Amount); err == nil {
			total = total.Add(amount)
		}
	}

	result.TotalAmount = total.String()
	b.logger.WithFields(logrus.Fields{
		"items":      len(items),
		"successful": len(result.Successful),
		"failed":     len(result.Failed),
		"total":      result.TotalAmount,
	}).Info("batch finished")
	return result, nil
}

// ExecuteViaSplitter pays several tools through a RevenueSplitter contract
// in one transaction, approving the splitter for the total first if needed
func (b *BatchEngine) ExecuteViaSplitter(ctx context.Context, splitter string, toolNames, amounts []string, token x402.Token) (*x402.PaymentTransaction, error) {
	std := b.std
	if std.signer == nil {
		return nil, missingKey("pay through the revenue splitter")
	}
	if !x402.IsAddress(splitter) {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid splitter address: "+splitter, nil)
	}
	if len(toolNames) == 0 || len(toolNames) != len(amounts) {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest,
			"toolNames and amounts must be non-empty and of equal length",
			map[string]interface{}{"toolNames": len(toolNames), "amounts": len(amounts)})
	}
	tc, err := std.erc20(token)
	if err != nil {
		return nil, err
	}

	raw := make([]*big.Int, len(amounts))
	total := new(big.Int)
	for i, amount := range amounts {
		if raw[i], err = x402.ParseUnits(amount, tc.Decimals); err != nil {
			return nil, err
		}
		total.Add(total, raw[i])
	}

	from := std.signer.Address()
	if err := std.requireBalance(ctx, from, total, tc); err != nil {
		return nil, err
	}
	if err := std.ensureAllowance(ctx, splitter, total, tc); err != nil {
		return nil, err
	}
	chainID, err := std.chainID.get(ctx, std.client)
	if err != nil {
		return nil, err
	}

	txHash, err := std.client.WriteContract(ctx, splitter, RevenueSplitterABI, FunctionBatchProcessPayments,
		toolNames, common.HexToAddress(tc.Address), raw)
	if err != nil {
		return nil, submitFailed("batchProcessPayments", err)
	}
	tx := &x402.PaymentTransaction{
		Hash:         txHash,
		ChainID:      chainID.Int64(),
		From:         from,
		To:           NormalizeAddress(splitter),
		Amount:       x402.FormatUnits(total, tc.Decimals),
		RawAmount:    total.String(),
		Token:        tc.Symbol,
		TokenAddress: tc.Address,
		Status:       x402.TxStatusPending,
		Timestamp:    std.cfg.now(),
	}
	b.logger.WithFields(logrus.Fields{"hash": txHash, "tools": len(toolNames)}).Info("splitter batch submitted")

	if err := std.cfg.finalize(ctx, std.client, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// CreateMulticallData ABI-encodes one ERC-20 transfer call per item
func (b *BatchEngine) CreateMulticallData(items []x402.BatchPaymentItem, token x402.Token) ([][]byte, error) {
	tc, err := b.std.erc20(token)
	if err != nil {
		return nil, err
	}
	calls := make([][]byte, 0, len(items))
	for _, item := range items {
		if !x402.IsAddress(item.Recipient) {
			return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest,
				"invalid recipient address: "+item.Recipient, nil)
		}
		raw, err := x402.ParseUnits(item.Amount, tc.Decimals)
		if err != nil {
			return nil, err
		}
		data, err := packCall(ERC20TransferABI, FunctionTransfer, common.HexToAddress(item.Recipient), raw)
		if err != nil {
			return nil, err
		}
		calls = append(calls, data)
	}
	return calls, nil
}

var _ x402.BatchSettler = (*BatchEngine)(nil)
