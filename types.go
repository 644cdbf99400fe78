package x402

import (
	"fmt"
	"time"
)

// Chain identifies a supported network by its short name
type Chain string

const (
	ChainBase            Chain = "base"
	ChainBSC             Chain = "bsc"
	ChainEthereum        Chain = "ethereum"
	ChainPolygon         Chain = "polygon"
	ChainArbitrum        Chain = "arbitrum"
	ChainArbitrumSepolia Chain = "arbitrum-sepolia"
	ChainOptimism        Chain = "optimism"
)

// Token is a token symbol
type Token string

const (
	TokenUSDC  Token = "USDC"
	TokenUSDT  Token = "USDT"
	TokenDAI   Token = "DAI"
	TokenUSDs  Token = "USDs"
	TokenETH   Token = "ETH"
	TokenBNB   Token = "BNB"
	TokenMATIC Token = "MATIC"
)

// PaymentRequest describes what is owed, to whom, in which token, on which chain.
// It is treated as immutable once validated; retries build a new value.
type PaymentRequest struct {
	Amount      string `json:"amount"`
	Token       Token  `json:"token"`
	Chain       Chain  `json:"chain"`
	Recipient   string `json:"recipient"`
	Reference   string `json:"reference,omitempty"`
	Deadline    int64  `json:"deadline,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource,omitempty"`
}

// EIP3009Authorization is a signed, time-boxed transferWithAuthorization permit
type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
	Signature   string `json:"signature"`
	Token       Token  `json:"token,omitempty"`
	Chain       Chain  `json:"chain,omitempty"`
}

// AuthorizationVerdict is the outcome of a read-only authorization check
type AuthorizationVerdict struct {
	Valid  bool   `json:"valid"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TxStatus is the lifecycle state of a submitted transaction
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// PaymentTransaction is the outcome of a settlement
type PaymentTransaction struct {
	Hash         string    `json:"hash"`
	ChainID      int64     `json:"chainId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	RawAmount    string    `json:"rawAmount"`
	Token        Token     `json:"token"`
	TokenAddress string    `json:"tokenAddress,omitempty"`
	Status       TxStatus  `json:"status"`
	BlockNumber  uint64    `json:"blockNumber,omitempty"`
	GasUsed      uint64    `json:"gasUsed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Gasless      bool      `json:"gasless,omitempty"`
}

// Resolve moves a pending transaction into a terminal state.
// It fails if the transaction has already left the pending state.
func (t *PaymentTransaction) Resolve(status TxStatus, blockNumber, gasUsed uint64) error {
	if t.Status.Terminal() {
		return fmt.Errorf("transaction %s already %s", t.Hash, t.Status)
	}
	if !status.Terminal() {
		return fmt.Errorf("cannot resolve transaction %s to %s", t.Hash, status)
	}
	t.Status = status
	t.BlockNumber = blockNumber
	t.GasUsed = gasUsed
	return nil
}

// PaymentResult is returned by Client.Pay
type PaymentResult struct {
	Transaction *PaymentTransaction `json:"transaction"`
	Gasless     bool                `json:"gasless"`
}

// BatchPaymentItem is one transfer inside a batch
type BatchPaymentItem struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// BatchOptions configures ExecuteMultiple
type BatchOptions struct {
	// ContinueOnError keeps processing after a failed item. Default stops at
	// the first failure.
	ContinueOnError bool
}

// FailedPayment pairs a batch item with the error that stopped it
type FailedPayment struct {
	Item  BatchPaymentItem `json:"item"`
	Error string           `json:"error"`
}

// BatchPaymentResult aggregates the outcome of a batch
type BatchPaymentResult struct {
	Successful   []*PaymentTransaction `json:"successful"`
	Failed       []FailedPayment       `json:"failed"`
	TotalAmount  string                `json:"totalAmount"`
	TotalGasUsed uint64                `json:"totalGasUsed"`
}

// Balance is a token balance in raw and display form
type Balance struct {
	Address   string `json:"address"`
	Token     Token  `json:"token"`
	Raw       string `json:"raw"`
	Formatted string `json:"formatted"`
	Decimals  int    `json:"decimals"`
}
