package x402

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultTimeout        = 30 * time.Second
	DefaultValidityPeriod = 3600
	DefaultFacilitatorURL = "https://x402.org/facilitator"
)

// Configuration errors
var (
	ErrMissingChain          = errors.New("x402: chain is required")
	ErrInvalidTimeout        = errors.New("x402: timeout must be positive")
	ErrInvalidValidityPeriod = errors.New("x402: validity period must be positive")
	ErrInvalidPrivateKey     = errors.New("x402: private key must be 32 bytes of hex")
	ErrInvalidFacilitatorURL = errors.New("x402: facilitator URL is invalid")
	ErrInvalidSplitter       = errors.New("x402: splitter address is invalid")
)

// Config holds every recognized client option
type Config struct {
	// Chain is the network payments are made on
	Chain Chain `yaml:"chain" json:"chain"`

	// PrivateKey is a hex-encoded signing key. Without it the client is read-only.
	PrivateKey string `yaml:"privateKey" json:"-"`

	// RPCURL overrides the chain's public RPC endpoint
	RPCURL string `yaml:"rpcUrl" json:"rpcUrl,omitempty"`

	// Timeout bounds each network round trip (default 30s)
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// EnableGasless tries EIP-3009 before a standard transfer (default true)
	EnableGasless bool `yaml:"enableGasless" json:"enableGasless"`

	// FacilitatorURL is the facilitator endpoint
	FacilitatorURL string `yaml:"facilitatorUrl" json:"facilitatorUrl,omitempty"`

	// Debug enables debug logging
	Debug bool `yaml:"debug" json:"debug"`

	// ValidityPeriod is the default authorization window in seconds (default 3600)
	ValidityPeriod int64 `yaml:"validityPeriod" json:"validityPeriod"`

	// SplitterAddress is the revenue splitter contract, if any
	SplitterAddress string `yaml:"splitterAddress" json:"splitterAddress,omitempty"`
}

// DefaultConfig returns a config with defaults filled in and no chain
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		EnableGasless:  true,
		FacilitatorURL: DefaultFacilitatorURL,
		ValidityPeriod: DefaultValidityPeriod,
	}
}

// Validate checks every field. It does not modify the config.
func (c *Config) Validate() error {
	if c.Chain == "" {
		return ErrMissingChain
	}
	if !IsSupportedChain(c.Chain) {
		return NewPaymentError(ErrCodeUnsupportedChain, "unsupported chain: "+string(c.Chain),
			map[string]interface{}{"chain": c.Chain})
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.ValidityPeriod <= 0 {
		return ErrInvalidValidityPeriod
	}
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return ErrInvalidPrivateKey
		}
		if _, err := hex.DecodeString(key); err != nil {
			return ErrInvalidPrivateKey
		}
	}
	if c.FacilitatorURL != "" {
		u, err := url.Parse(c.FacilitatorURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ErrInvalidFacilitatorURL
		}
	}
	if c.SplitterAddress != "" && !IsAddress(c.SplitterAddress) {
		return ErrInvalidSplitter
	}
	return nil
}

// ResolvedRPCURL is the RPC override or the chain's public endpoint
func (c *Config) ResolvedRPCURL() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	info, err := GetChainInfo(c.Chain)
	if err != nil {
		return ""
	}
	return info.RPCURL
}

// LoadConfig reads an optional YAML file on top of the defaults and then
// applies X402_* environment overrides. The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ReadConfig is LoadConfig without validation, for callers that apply
// further overrides first
func ReadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from X402_* variables using lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("X402_CHAIN"); ok && v != "" {
		c.Chain = Chain(v)
	}
	if v, ok := lookup("X402_PRIVATE_KEY"); ok && v != "" {
		c.PrivateKey = v
	}
	if v, ok := lookup("X402_RPC_URL"); ok && v != "" {
		c.RPCURL = v
	}
	if v, ok := lookup("X402_FACILITATOR_URL"); ok && v != "" {
		c.FacilitatorURL = v
	}
	if v, ok := lookup("X402_SPLITTER_ADDRESS"); ok && v != "" {
		c.SplitterAddress = v
	}
	if v, ok := lookup("X402_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid X402_TIMEOUT %q: %w", v, err)
		}
		c.Timeout = d
	}
	if v, ok := lookup("X402_VALIDITY_PERIOD"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid X402_VALIDITY_PERIOD %q: %w", v, err)
		}
		c.ValidityPeriod = n
	}
	for name, dst := range map[string]*bool{
		"X402_ENABLE_GASLESS": &c.EnableGasless,
		"X402_DEBUG":          &c.Debug,
	} {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			*dst = b
		}
	}
	return nil
}
