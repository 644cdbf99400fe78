// Package evm provides EVM settlement for the x402 payment client: the
// EIP-3009 authorization engine, direct transfers, batch payments and the
// RevenueSplitter contract binding.
package evm

import (
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
)

// Engines groups the settlement engines built for one chain
type Engines struct {
	Gasless  *AuthorizationEngine
	Standard *StandardEngine
	Batch    *BatchEngine
}

// NewEngines builds every engine for cfg.Chain. All engines share one
// settlement cache. A nil signer leaves them read-only.
func NewEngines(cfg x402.Config, client ChainClient, signer Signer, logger logrus.FieldLogger) (*Engines, error) {
	opts := []Option{
		WithReceiptTimeout(cfg.Timeout),
		WithValidityPeriod(cfg.ValidityPeriod),
		WithLogger(logger),
		WithSettlementCache(x402.NewSettlementCache(DefaultSettlementTTL)),
	}
	std, err := NewStandardEngine(cfg.Chain, client, signer, opts...)
	if err != nil {
		return nil, err
	}
	gasless, err := NewAuthorizationEngine(cfg.Chain, client, signer, opts...)
	if err != nil {
		return nil, err
	}
	return &Engines{
		Gasless:  gasless,
		Standard: std,
		Batch:    NewBatchEngine(std),
	}, nil
}

// ClientOptions wires the engines into an orchestrator
func (e *Engines) ClientOptions() []x402.ClientOption {
	return []x402.ClientOption{
		x402.WithStandardSettler(e.Standard),
		x402.WithGaslessSettler(e.Gasless),
		x402.WithBatchSettler(e.Batch),
	}
}

// NewClient builds an orchestrator for cfg on top of client and signer
func NewClient(cfg x402.Config, client ChainClient, signer Signer, opts ...x402.ClientOption) (*x402.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := x402.NewLogger(cfg.Debug)
	engines, err := NewEngines(cfg, client, signer, logger)
	if err != nil {
		return nil, err
	}
	all := append(engines.ClientOptions(), x402.WithLogger(logger))
	return x402.NewClient(cfg, append(all, opts...)...)
}
