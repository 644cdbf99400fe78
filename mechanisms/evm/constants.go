package evm

import "time"

const (
	// Scheme identifier used in the X-Payment envelope
	SchemeExact = "exact"

	// Contract function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionTransfer                  = "transfer"
	FunctionApprove                   = "approve"
	FunctionAllowance                 = "allowance"
	FunctionBalanceOf                 = "balanceOf"

	// RevenueSplitter function names
	FunctionGetToolInfo           = "getToolInfo"
	FunctionDeveloperEarnings     = "developerEarnings"
	FunctionPlatformWallet        = "platformWallet"
	FunctionDefaultPlatformFeeBps = "defaultPlatformFeeBps"
	FunctionProcessPayment        = "processPayment"
	FunctionBatchProcessPayments  = "batchProcessPayments"
	FunctionRegisterTool          = "registerTool"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// Default validity period (1 hour)
	DefaultValidityPeriod = 3600 // seconds

	// DefaultSettlementTTL is how long settled authorizations stay in the local cache
	DefaultSettlementTTL = 10 * time.Minute

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)")
	TransferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	// PrimaryTypeTransferWithAuthorization is the EIP-712 primary type signed for EIP-3009
	PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"
)

var (
	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20TransferABI for direct token transfers
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI for reading spender allowances
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20ApproveABI for approving a spender
	ERC20ApproveABI = []byte(`[
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// RevenueSplitterABI covers the read and write surface of the splitter contract
	RevenueSplitterABI = []byte(`[
		{
			"inputs": [{"name": "toolName", "type": "string"}],
			"name": "getToolInfo",
			"outputs": [
				{"name": "developer", "type": "address"},
				{"name": "platformFeeBps", "type": "uint256"},
				{"name": "totalRevenue", "type": "uint256"},
				{"name": "totalCalls", "type": "uint256"},
				{"name": "active", "type": "bool"}
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [{"name": "developer", "type": "address"}],
			"name": "developerEarnings",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "platformWallet",
			"outputs": [{"name": "", "type": "address"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "defaultPlatformFeeBps",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "toolName", "type": "string"},
				{"name": "token", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "processPayment",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "toolNames", "type": "string[]"},
				{"name": "token", "type": "address"},
				{"name": "amounts", "type": "uint256[]"}
			],
			"name": "batchProcessPayments",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "toolName", "type": "string"},
				{"name": "developer", "type": "address"},
				{"name": "platformFeeBps", "type": "uint256"}
			],
			"name": "registerTool",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// EIP3009Types are the EIP-712 types signed for transferWithAuthorization
	EIP3009Types = map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
)
