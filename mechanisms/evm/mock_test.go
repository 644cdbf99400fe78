package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/x402-foundation/agentpay"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayer      = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testRecipient  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testSplitter   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

var testNow = time.Unix(1_700_000_000, 0)

// Mock implementations for testing

type keySigner struct {
	key     *ecdsa.PrivateKey
	signErr error
}

func newKeySigner() *keySigner {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		panic(err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *keySigner) SignTypedData(
	ctx context.Context,
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	digest, err := HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

type contractCall struct {
	address  string
	function string
	args     []interface{}
}

type mockChain struct {
	mu sync.Mutex

	chainID   *big.Int
	balances  map[string]*big.Int
	allowance *big.Int
	used      map[string]bool
	stateErr  error
	readErr   error
	writeErr  error
	sendErr   error

	receiptStatus uint64
	receiptErr    error
	receiptGate   chan struct{}
	gasUsed       uint64

	receipts map[string]*TransactionReceipt
	txs      map[string]*Transaction
	tools    map[string][]interface{}

	writes  []contractCall
	sends   []contractCall
	hashSeq int
}

func newMockChain() *mockChain {
	return &mockChain{
		chainID:       big.NewInt(8453),
		balances:      make(map[string]*big.Int),
		allowance:     big.NewInt(0),
		used:          make(map[string]bool),
		receiptStatus: TxStatusSuccess,
		gasUsed:       21000,
		receipts:      make(map[string]*TransactionReceipt),
		txs:           make(map[string]*Transaction),
		tools:         make(map[string][]interface{}),
	}
}

func balanceKey(address, token string) string {
	return strings.ToLower(address) + ":" + strings.ToLower(token)
}

func (m *mockChain) setBalance(address, token string, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(address, token)] = v
}

func (m *mockChain) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes) + len(m.sends)
}

func (m *mockChain) ChainID(ctx context.Context) (*big.Int, error) {
	return m.chainID, nil
}

func (m *mockChain) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if b, ok := m.balances[balanceKey(address, tokenAddress)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *mockChain) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	switch functionName {
	case FunctionAuthorizationState:
		if m.stateErr != nil {
			return nil, m.stateErr
		}
		nonce := args[1].([32]byte)
		return m.used[BytesToHex(nonce[:])], nil
	case FunctionAllowance:
		return new(big.Int).Set(m.allowance), nil
	case FunctionGetToolInfo:
		info, ok := m.tools[args[0].(string)]
		if !ok {
			return []interface{}{common.Address{}, big.NewInt(0), big.NewInt(0), big.NewInt(0), false}, nil
		}
		return info, nil
	case FunctionDeveloperEarnings:
		return big.NewInt(1_500_000), nil
	case FunctionPlatformWallet:
		return common.HexToAddress(testRecipient), nil
	case FunctionDefaultPlatformFeeBps:
		return big.NewInt(2000), nil
	}
	return nil, fmt.Errorf("unexpected read %s", functionName)
}

func (m *mockChain) nextHash() string {
	m.hashSeq++
	return fmt.Sprintf("0x%064x", m.hashSeq)
}

func (m *mockChain) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return "", m.writeErr
	}
	m.writes = append(m.writes, contractCall{address: address, function: functionName, args: args})
	switch functionName {
	case FunctionTransferWithAuthorization:
		nonce := args[5].([32]byte)
		m.used[BytesToHex(nonce[:])] = true
	case FunctionApprove:
		m.allowance = new(big.Int).Set(args[1].(*big.Int))
	}
	return m.nextHash(), nil
}

func (m *mockChain) SendTransaction(ctx context.Context, to string, value *big.Int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sends = append(m.sends, contractCall{address: to, args: []interface{}{value}})
	return m.nextHash(), nil
}

func (m *mockChain) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	if m.receiptGate != nil {
		select {
		case <-m.receiptGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if r, ok := m.receipts[txHash]; ok {
		return r, nil
	}
	return &TransactionReceipt{
		Status:      m.receiptStatus,
		BlockNumber: 100,
		TxHash:      txHash,
		GasUsed:     m.gasUsed,
	}, nil
}

func (m *mockChain) GetTransaction(ctx context.Context, txHash string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[txHash]; ok {
		return tx, nil
	}
	return nil, errors.New("transaction not found")
}

func (m *mockChain) EstimateGas(ctx context.Context, to string, value *big.Int, data []byte) (uint64, error) {
	if len(data) > 0 {
		return 65000, nil
	}
	return 21000, nil
}

func usdcOnBase() x402.TokenConfig {
	tc, err := x402.GetTokenConfig(x402.ChainBase, x402.TokenUSDC)
	if err != nil {
		panic(err)
	}
	return tc
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
