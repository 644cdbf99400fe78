package evm

import (
	"context"
	"math/big"
)

// ChainClient is the read and submit side of an EVM network connection.
// Implementations must serialize nonce allocation per sending account.
type ChainClient interface {
	// ChainID returns the chain ID of the connected network
	ChainID(ctx context.Context) (*big.Int, error)

	// GetBalance returns the balance of address. An empty tokenAddress
	// reads the native balance.
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// ReadContract calls a view function and returns its unpacked outputs.
	// A single output is returned as-is, several as []interface{}.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a contract call from the signing account and
	// returns the transaction hash without waiting for inclusion
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// SendTransaction submits a native transfer with optional calldata
	SendTransaction(ctx context.Context, to string, value *big.Int, data []byte) (string, error)

	// WaitForTransactionReceipt blocks until the transaction is mined or ctx is done
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetTransaction returns a mined or pending transaction by hash
	GetTransaction(ctx context.Context, txHash string) (*Transaction, error)

	// EstimateGas estimates the gas needed for a call from the signing account
	EstimateGas(ctx context.Context, to string, value *big.Int, data []byte) (uint64, error)
}

// Signer signs EIP-712 typed data with the paying account's key
type Signer interface {
	// Address returns the signer's checksummed address
	Address() string

	// SignTypedData signs EIP-712 typed data and returns a 65-byte r||s||v signature
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	GasUsed     uint64 `json:"gasUsed"`
	Logs        []Log  `json:"logs"`
}

// Log is an event emitted during a transaction
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    []byte   `json:"data"`
}

// Transaction is the subset of a transaction needed for payment verification
type Transaction struct {
	Hash  string   `json:"hash"`
	From  string   `json:"from"`
	To    string   `json:"to"`
	Value *big.Int `json:"value"`
}
