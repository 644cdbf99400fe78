package cli

import (
	"context"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/agentpay"
	x402http "github.com/x402-foundation/agentpay/http"
	"github.com/x402-foundation/agentpay/mechanisms/evm"
	signers "github.com/x402-foundation/agentpay/signers/evm"
)

// Session is a connected payment client plus the server-side verifiers
// built on the same chain connection
type Session struct {
	Client       *x402.Client
	Transactions x402http.TxVerifier
	Gasless      x402.GaslessSettler
}

// Dial connects to cfg's RPC endpoint and wires the EVM engines
func Dial(ctx context.Context, cfg x402.Config, logger logrus.FieldLogger, relay bool) (*Session, error) {
	rpc, err := signers.Dial(ctx, cfg.ResolvedRPCURL(), cfg.PrivateKey, signers.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	engines, err := evm.NewEngines(cfg, rpc, rpc.Signer(), logger)
	if err != nil {
		return nil, err
	}

	var gasless x402.GaslessSettler = engines.Gasless
	if relay {
		facilitator := x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{
			URL:     cfg.FacilitatorURL,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		gasless = x402http.NewRelayedSettler(engines.Gasless, facilitator, cfg.Chain)
	}

	opts := append(engines.ClientOptions(),
		x402.WithGaslessSettler(gasless),
		x402.WithLogger(logger))
	client, err := x402.NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{Client: client, Transactions: engines.Standard, Gasless: gasless}, nil
}
