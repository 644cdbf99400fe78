package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/agentpay"
	x402http "github.com/x402-foundation/agentpay/http"
	x402gin "github.com/x402-foundation/agentpay/pkg/gin"
	"github.com/x402-foundation/agentpay/pkg/history"
	"github.com/x402-foundation/agentpay/pkg/ratelimit"
)

type serveOptions struct {
	addr           string
	price          string
	recipient      string
	token          string
	useFacilitator bool
	rateLimit      int
	rateWindow     time.Duration
	freeDaily      int
	validity       time.Duration
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a paywalled tool server",
		Long: `Run an HTTP server whose /tools/:tool endpoints require an X402 payment.

Payments are verified on-chain (tx hashes) and settled locally (EIP-3009
authorizations), or through the facilitator with --use-facilitator. Free-tier
usage is kept in the history database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := a.serveVerifier(cmd.Context(), opts)
			if err != nil {
				return err
			}

			var gateOpts []x402http.GateOption
			gateOpts = append(gateOpts, x402http.WithGateLogger(a.logger), x402http.WithPaywall(""))
			if opts.rateLimit > 0 {
				gateOpts = append(gateOpts, x402http.WithRateLimit(ratelimit.NewMemoryRateLimitStore(), opts.rateLimit, opts.rateWindow, nil))
			}
			if opts.freeDaily > 0 {
				store, err := history.Open(a.dbPath, history.WithLogger(a.logger))
				if err != nil {
					return err
				}
				defer store.Close()
				gateOpts = append(gateOpts, x402http.WithFreeTier(store.UsageStore(), opts.freeDaily, x402http.ClientIP))
			}

			router, err := newToolRouter(a.cfg.Chain, opts, verifier, gateOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, opts.addr, router, a.logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8402", "listen address")
	flags.StringVar(&opts.price, "price", "0.01", "price per call")
	flags.StringVar(&opts.recipient, "recipient", "", "address receiving payments")
	flags.StringVar(&opts.token, "token", "", "token to charge in (defaults to the chain default)")
	flags.BoolVar(&opts.useFacilitator, "use-facilitator", false, "verify and settle through the facilitator")
	flags.IntVar(&opts.rateLimit, "rate-limit", 0, "requests allowed per client and window (0 disables)")
	flags.DurationVar(&opts.rateWindow, "rate-window", time.Minute, "rate limit window")
	flags.IntVar(&opts.freeDaily, "free-daily", 0, "free calls per client, tool and day")
	flags.DurationVar(&opts.validity, "validity", x402http.DefaultGateValidity, "how long a challenge stays payable")
	cmd.MarkFlagRequired("recipient")
	return cmd
}

func (a *app) serveVerifier(ctx context.Context, opts *serveOptions) (x402http.Verifier, error) {
	if opts.useFacilitator {
		if err := a.cfg.Validate(); err != nil {
			return nil, err
		}
		return x402http.FacilitatorVerifier{Client: x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{
			URL:     a.cfg.FacilitatorURL,
			Timeout: a.cfg.Timeout,
			Logger:  a.logger,
		})}, nil
	}
	session, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	verifier := x402http.ChainVerifier{Transactions: session.Transactions}
	if session.Client.Address() != "" {
		verifier.Gasless = session.Gasless
	}
	return verifier, nil
}

// newToolRouter serves GET and POST /tools/:tool, each call priced at
// opts.price, and an unguarded /health
func newToolRouter(chain x402.Chain, opts *serveOptions, verifier x402http.Verifier, gateOpts ...x402http.GateOption) (*gin.Engine, error) {
	token := x402.Token(opts.token)
	if token == "" {
		token = x402.DefaultToken(chain)
	}
	price := func(r *http.Request) (*x402http.GateConfig, error) {
		return &x402http.GateConfig{
			Amount:         opts.price,
			Token:          token,
			Chain:          chain,
			Recipient:      opts.recipient,
			Tool:           toolName(r),
			ValidityPeriod: opts.validity,
		}, nil
	}

	// Fail at startup rather than on the first request
	if err := x402.ValidatePaymentRequest(&x402.PaymentRequest{
		Amount: opts.price, Token: token, Chain: chain, Recipient: opts.recipient,
	}, time.Now()); err != nil {
		return nil, err
	}

	gate, err := x402http.NewDynamicGate(price, verifier, gateOpts...)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "chain": chain})
	})

	tools := router.Group("/tools", x402gin.GateMiddleware(gate))
	handler := func(c *gin.Context) {
		receipt, _ := x402gin.GetReceipt(c)
		c.JSON(http.StatusOK, gin.H{
			"tool":    c.Param("tool"),
			"receipt": receipt,
		})
	}
	tools.GET("/:tool", handler)
	tools.POST("/:tool", handler)
	return router, nil
}

// toolName is the last path segment of a /tools/<name> request
func toolName(r *http.Request) string {
	path := r.URL.Path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func runServer(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("tool server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down tool server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
