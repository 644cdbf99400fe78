package x402

import "sort"

// ChainInfo describes a supported network
type ChainInfo struct {
	Chain       Chain  `json:"chain" yaml:"chain"`
	ChainID     int64  `json:"chainId" yaml:"chainId"`
	Name        string `json:"name" yaml:"name"`
	NativeToken Token  `json:"nativeToken" yaml:"nativeToken"`
	RPCURL      string `json:"rpcUrl" yaml:"rpcUrl"`
	ExplorerURL string `json:"explorerUrl" yaml:"explorerUrl"`
	Testnet     bool   `json:"testnet" yaml:"testnet"`
}

// TokenConfig describes a token deployment on one chain
type TokenConfig struct {
	Symbol   Token  `json:"symbol"`
	Address  string `json:"address,omitempty"`
	Decimals int    `json:"decimals"`

	// Name and Version form the EIP-712 domain of the token contract
	Name    string `json:"name"`
	Version string `json:"version"`

	Native          bool `json:"native"`
	SupportsEIP3009 bool `json:"supportsEip3009"`
}

// DefaultEIP712Version is the domain version used for transferWithAuthorization
const DefaultEIP712Version = "1"

var chains = map[Chain]ChainInfo{
	ChainBase: {
		Chain: ChainBase, ChainID: 8453, Name: "Base", NativeToken: TokenETH,
		RPCURL: "https://mainnet.base.org", ExplorerURL: "https://basescan.org",
	},
	ChainBSC: {
		Chain: ChainBSC, ChainID: 56, Name: "BNB Smart Chain", NativeToken: TokenBNB,
		RPCURL: "https://bsc-dataseed.binance.org", ExplorerURL: "https://bscscan.com",
	},
	ChainEthereum: {
		Chain: ChainEthereum, ChainID: 1, Name: "Ethereum", NativeToken: TokenETH,
		RPCURL: "https://eth.llamarpc.com", ExplorerURL: "https://etherscan.io",
	},
	ChainPolygon: {
		Chain: ChainPolygon, ChainID: 137, Name: "Polygon", NativeToken: TokenMATIC,
		RPCURL: "https://polygon-rpc.com", ExplorerURL: "https://polygonscan.com",
	},
	ChainArbitrum: {
		Chain: ChainArbitrum, ChainID: 42161, Name: "Arbitrum One", NativeToken: TokenETH,
		RPCURL: "https://arb1.arbitrum.io/rpc", ExplorerURL: "https://arbiscan.io",
	},
	ChainArbitrumSepolia: {
		Chain: ChainArbitrumSepolia, ChainID: 421614, Name: "Arbitrum Sepolia", NativeToken: TokenETH,
		RPCURL: "https://sepolia-rollup.arbitrum.io/rpc", ExplorerURL: "https://sepolia.arbiscan.io",
		Testnet: true,
	},
	ChainOptimism: {
		Chain: ChainOptimism, ChainID: 10, Name: "Optimism", NativeToken: TokenETH,
		RPCURL: "https://mainnet.optimism.io", ExplorerURL: "https://optimistic.etherscan.io",
	},
}

func stable(symbol Token, address string, decimals int, name string, eip3009 bool) TokenConfig {
	return TokenConfig{
		Symbol:          symbol,
		Address:         address,
		Decimals:        decimals,
		Name:            name,
		Version:         DefaultEIP712Version,
		SupportsEIP3009: eip3009,
	}
}

// usdc is a Circle FiatToken deployment, whose EIP-712 domain version is "2"
func usdc(address, name string) TokenConfig {
	cfg := stable(TokenUSDC, address, 6, name, true)
	cfg.Version = "2"
	return cfg
}

func native(symbol Token) TokenConfig {
	return TokenConfig{Symbol: symbol, Decimals: 18, Name: string(symbol), Native: true}
}

var tokens = map[Chain]map[Token]TokenConfig{
	ChainBase: {
		TokenUSDC: usdc("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin"),
		TokenUSDT: stable(TokenUSDT, "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2", 6, "Tether USD", false),
		TokenDAI:  stable(TokenDAI, "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", 18, "Dai Stablecoin", false),
		TokenETH:  native(TokenETH),
	},
	ChainBSC: {
		TokenUSDC:  stable(TokenUSDC, "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", 18, "USD Coin", false),
		TokenUSDT:  stable(TokenUSDT, "0x55d398326f99059fF775485246999027B3197955", 18, "Tether USD", false),
		TokenDAI:   stable(TokenDAI, "0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3", 18, "Dai Token", false),
		TokenETH:   stable(TokenETH, "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", 18, "Ethereum Token", false),
		TokenMATIC: stable(TokenMATIC, "0xCC42724C6683B7E57334c4E856f4c9965ED682bD", 18, "Matic Token", false),
		TokenBNB:   native(TokenBNB),
	},
	ChainEthereum: {
		TokenUSDC:  usdc("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USD Coin"),
		TokenUSDT:  stable(TokenUSDT, "0xdAC17F958D2ee523a2206206994597C13D831ec7", 6, "Tether USD", false),
		TokenDAI:   stable(TokenDAI, "0x6B175474E89094C44Da98b954EedeAC495271d0F", 18, "Dai Stablecoin", false),
		TokenBNB:   stable(TokenBNB, "0xB8c77482e45F1F44dE1745F52C74426C631bDD52", 18, "BNB", false),
		TokenMATIC: stable(TokenMATIC, "0x7D1AfA7B718fb893dB30A3aBc0Cfc608AaCfeBB0", 18, "Matic Token", false),
		TokenETH:   native(TokenETH),
	},
	ChainPolygon: {
		TokenUSDC:  stable(TokenUSDC, "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", 6, "USD Coin (PoS)", false),
		TokenUSDT:  stable(TokenUSDT, "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", 6, "Tether USD", false),
		TokenDAI:   stable(TokenDAI, "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", 18, "Dai Stablecoin", false),
		TokenETH:   stable(TokenETH, "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", 18, "Wrapped Ether", false),
		TokenBNB:   stable(TokenBNB, "0x3BA4c387f786bFEE076A58914F5Bd38d668B42c3", 18, "BNB", false),
		TokenMATIC: native(TokenMATIC),
	},
	ChainArbitrum: {
		TokenUSDC: usdc("0xaf88d065e77c8cC2239327C5EDb3A432268e5831", "USD Coin"),
		TokenUSDT: stable(TokenUSDT, "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", 6, "Tether USD", false),
		TokenDAI:  stable(TokenDAI, "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", 18, "Dai Stablecoin", false),
		TokenUSDs: stable(TokenUSDs, "0xD74f5255D557944cf7Dd0E45FF521520002D5748", 18, "Sperax USD", true),
		TokenETH:  native(TokenETH),
	},
	ChainArbitrumSepolia: {
		TokenUSDC: usdc("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d", "USDC"),
		TokenETH:  native(TokenETH),
	},
	ChainOptimism: {
		TokenUSDC: stable(TokenUSDC, "0x7F5c764cBc14f9669B88837ca1490cCa17c31607", 6, "USD Coin", false),
		TokenUSDT: stable(TokenUSDT, "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", 6, "Tether USD", false),
		TokenDAI:  stable(TokenDAI, "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", 18, "Dai Stablecoin", false),
		TokenETH:  native(TokenETH),
	},
}

var defaultTokens = map[Chain]Token{
	ChainArbitrum: TokenUSDs,
}

// GetChainInfo returns the configuration of a supported chain
func GetChainInfo(chain Chain) (ChainInfo, error) {
	info, ok := chains[chain]
	if !ok {
		return ChainInfo{}, NewPaymentError(ErrCodeUnsupportedChain,
			"unsupported chain: "+string(chain),
			map[string]interface{}{"chain": chain})
	}
	return info, nil
}

// IsSupportedChain reports whether chain is known
func IsSupportedChain(chain Chain) bool {
	_, ok := chains[chain]
	return ok
}

// SupportedChains lists all chains sorted by name
func SupportedChains() []ChainInfo {
	out := make([]ChainInfo, 0, len(chains))
	for _, info := range chains {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// GetTokenConfig returns the deployment of token on chain
func GetTokenConfig(chain Chain, token Token) (TokenConfig, error) {
	if !IsSupportedChain(chain) {
		return TokenConfig{}, NewPaymentError(ErrCodeUnsupportedChain,
			"unsupported chain: "+string(chain),
			map[string]interface{}{"chain": chain})
	}
	cfg, ok := tokens[chain][token]
	if !ok {
		return TokenConfig{}, NewPaymentError(ErrCodeUnsupportedToken,
			"token "+string(token)+" is not configured on "+string(chain),
			map[string]interface{}{"chain": chain, "token": token})
	}
	return cfg, nil
}

// AvailableTokens lists the tokens configured on chain, sorted by symbol
func AvailableTokens(chain Chain) []Token {
	out := make([]Token, 0, len(tokens[chain]))
	for symbol := range tokens[chain] {
		out = append(out, symbol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultToken is the token used when a caller does not name one
func DefaultToken(chain Chain) Token {
	if t, ok := defaultTokens[chain]; ok {
		return t
	}
	return TokenUSDC
}

// SupportsGasless reports whether token can be moved with EIP-3009 on chain.
// Unknown pairs return false.
func SupportsGasless(chain Chain, token Token) bool {
	cfg, ok := tokens[chain][token]
	return ok && cfg.SupportsEIP3009
}
