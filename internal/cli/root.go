// Package cli implements the agentpay command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/agentpay"
)

// DialFunc builds a payment client for cfg and connects to its chain. relay routes gasless settlement through the
// facilitator.
type DialFunc func(ctx context.Context, cfg x402.Config, logger logrus.FieldLogger, relay bool) (*Session, error)

type app struct {
	configPath     string
	envFile        string
	chain          string
	rpcURL         string
	facilitatorURL string
	dbPath         string
	debug          bool
	relay          bool

	cfg    x402.Config
	logger *logrus.Logger
	dial   DialFunc
}

// NewRootCmd builds the agentpay command tree
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{dial: Dial})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentpay",
		Short: "X402 payment client",
		Long: `Pay for HTTP 402 protected resources and tools with stablecoins.

Configuration is read from an optional YAML file, then from X402_* environment
variables (a .env file is loaded first), then from command line flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file path")
	flags.StringVar(&a.envFile, "env-file", ".env", "environment file to load")
	flags.StringVar(&a.chain, "chain", "", "chain to use (overrides X402_CHAIN)")
	flags.StringVar(&a.rpcURL, "rpc-url", "", "RPC endpoint (overrides X402_RPC_URL)")
	flags.StringVar(&a.facilitatorURL, "facilitator", "", "facilitator URL (overrides X402_FACILITATOR_URL)")
	flags.StringVar(&a.dbPath, "db", "agentpay.db", "payment history database")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&a.relay, "relay", false, "settle gasless authorizations through the facilitator")

	rootCmd.AddCommand(
		newChainsCmd(a),
		newParseCmd(a),
		newSplitCmd(a),
		newBalanceCmd(a),
		newPayCmd(a),
		newAuthorizeCmd(a),
		newSettleCmd(a),
		newBatchCmd(a),
		newFetchCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

// Execute runs the command line and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", a.envFile, err)
		}
	}

	cfg, err := x402.ReadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.chain != "" {
		cfg.Chain = x402.Chain(a.chain)
	}
	if a.rpcURL != "" {
		cfg.RPCURL = a.rpcURL
	}
	if a.facilitatorURL != "" {
		cfg.FacilitatorURL = a.facilitatorURL
	}
	if a.debug {
		cfg.Debug = true
	}
	a.cfg = cfg

	a.logger = x402.NewLogger(cfg.Debug)
	a.logger.SetOutput(cmd.ErrOrStderr())
	return nil
}

// session validates the configuration and connects to the chain
func (a *app) session(ctx context.Context) (*Session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return a.dial(ctx, a.cfg, a.logger, a.relay)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
