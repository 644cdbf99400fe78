package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/agentpay"
)

// ToolInfo is a tool registration read from the RevenueSplitter contract
type ToolInfo struct {
	Name           string   `json:"name"`
	Developer      string   `json:"developer"`
	PlatformFeeBps int      `json:"platformFeeBps"`
	TotalRevenue   *big.Int `json:"totalRevenue"`
	TotalCalls     *big.Int `json:"totalCalls"`
	Active         bool     `json:"active"`
}

// RevenueSplitter binds the on-chain contract that divides tool payments
// between developers and the platform
type RevenueSplitter struct {
	address string
	std     *StandardEngine
}

// NewRevenueSplitter binds the splitter at address using std's connection
func NewRevenueSplitter(address string, std *StandardEngine) (*RevenueSplitter, error) {
	if !x402.IsAddress(address) {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid splitter address: "+address, nil)
	}
	return &RevenueSplitter{address: NormalizeAddress(address), std: std}, nil
}

// Address is the contract address
func (s *RevenueSplitter) Address() string {
	return s.address
}

func (s *RevenueSplitter) read(ctx context.Context, functionName string, args ...interface{}) (interface{}, error) {
	result, err := s.std.client.ReadContract(ctx, s.address, RevenueSplitterABI, functionName, args...)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeNetworkError, functionName+" failed", err, nil)
	}
	return result, nil
}

// GetToolInfo returns the registration of name, or nil when the tool is
// unknown, inactive or cannot be read
func (s *RevenueSplitter) GetToolInfo(ctx context.Context, name string) (*ToolInfo, error) {
	result, err := s.read(ctx, FunctionGetToolInfo, name)
	if err != nil {
		s.std.logger.WithError(err).WithField("tool", name).Debug("getToolInfo unavailable")
		return nil, nil
	}
	outputs, ok := result.([]interface{})
	if !ok || len(outputs) != 5 {
		return nil, nil
	}
	developer, _ := outputs[0].(common.Address)
	feeBps, err := toBigInt(outputs[1])
	if err != nil {
		return nil, nil
	}
	revenue, _ := toBigInt(outputs[2])
	calls, _ := toBigInt(outputs[3])
	active, _ := outputs[4].(bool)
	if !active {
		return nil, nil
	}
	return &ToolInfo{
		Name:           name,
		Developer:      developer.Hex(),
		PlatformFeeBps: int(feeBps.Int64()),
		TotalRevenue:   revenue,
		TotalCalls:     calls,
		Active:         active,
	}, nil
}

// DeveloperEarnings returns the accumulated earnings of developer
func (s *RevenueSplitter) DeveloperEarnings(ctx context.Context, developer string) (*big.Int, error) {
	result, err := s.read(ctx, FunctionDeveloperEarnings, common.HexToAddress(developer))
	if err != nil {
		return nil, err
	}
	return toBigInt(result)
}

// PlatformWallet returns the address that receives platform fees
func (s *RevenueSplitter) PlatformWallet(ctx context.Context) (string, error) {
	result, err := s.read(ctx, FunctionPlatformWallet)
	if err != nil {
		return "", err
	}
	addr, ok := result.(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected platformWallet result %T", result)
	}
	return addr.Hex(), nil
}

// DefaultPlatformFeeBps returns the fee applied to newly registered tools
func (s *RevenueSplitter) DefaultPlatformFeeBps(ctx context.Context) (int, error) {
	result, err := s.read(ctx, FunctionDefaultPlatformFeeBps)
	if err != nil {
		return 0, err
	}
	bps, err := toBigInt(result)
	if err != nil {
		return 0, err
	}
	return int(bps.Int64()), nil
}

// CalculateSplit previews how amount paid to name would be divided
func (s *RevenueSplitter) CalculateSplit(ctx context.Context, name, amount string) (*x402.RevenueSplit, error) {
	info, err := s.GetToolInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeToolNotFound, "tool not registered: "+name,
			map[string]interface{}{"tool": name})
	}
	return x402.CalculateSplit(amount, info.PlatformFeeBps)
}

// ProcessPayment pays amount of token to the tool through the splitter
func (s *RevenueSplitter) ProcessPayment(ctx context.Context, toolName, amount string, token x402.Token) (*x402.PaymentTransaction, error) {
	return NewBatchEngine(s.std).ExecuteViaSplitter(ctx, s.address, []string{toolName}, []string{amount}, token)
}

// RegisterTool registers name for developer with the given platform fee
func (s *RevenueSplitter) RegisterTool(ctx context.Context, name, developer string, feeBps int) (string, error) {
	if s.std.signer == nil {
		return "", missingKey("register a tool")
	}
	if name == "" {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "tool name is required", nil)
	}
	if !x402.IsAddress(developer) {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid developer address: "+developer, nil)
	}
	if feeBps < 0 || feeBps > x402.MaxFeeBps {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest,
			fmt.Sprintf("platform fee must be between 0 and %d bps", x402.MaxFeeBps), nil)
	}

	txHash, err := s.std.client.WriteContract(ctx, s.address, RevenueSplitterABI, FunctionRegisterTool,
		name, common.HexToAddress(developer), big.NewInt(int64(feeBps)))
	if err != nil {
		return "", submitFailed("registerTool", err)
	}
	receipt, err := s.std.cfg.awaitReceipt(ctx, s.std.client, txHash)
	if err != nil {
		return "", err
	}
	if receipt.Status != TxStatusSuccess {
		return "", x402.NewPaymentError(x402.ErrCodeTransactionReverted,
			"registerTool "+txHash+" reverted", map[string]interface{}{"hash": txHash})
	}
	return txHash, nil
}
