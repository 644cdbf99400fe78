package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	x402 "github.com/x402-foundation/agentpay"
	x402http "github.com/x402-foundation/agentpay/http"
	"github.com/x402-foundation/agentpay/pkg/history"
)

// recording opens the history database and attaches a recorder to client.
// The returned function closes the database.
func (a *app) recording(client *x402.Client) (func(), error) {
	if a.dbPath == "" {
		return func() {}, nil
	}
	store, err := history.Open(a.dbPath, history.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	handle := client.On(history.NewRecorder(store, client.Chain()).Listen)
	return func() {
		client.Off(handle)
		store.Close()
	}, nil
}

func newBalanceCmd(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "balance [address]",
		Short: "Show a token balance (defaults to the configured account)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			address := session.Client.Address()
			if len(args) == 1 {
				address = args[0]
			}
			if address == "" {
				return x402.NewPaymentError(x402.ErrCodeMissingPrivateKey, "no address given and no private key configured", nil)
			}

			balance, err := session.Client.GetBalance(cmd.Context(), address, x402.Token(token))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", balance.Formatted, balance.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol (defaults to the chain default)")
	return cmd
}

func newPayCmd(a *app) *cobra.Command {
	var token, tool, reference string
	cmd := &cobra.Command{
		Use:   "pay <recipient> <amount>",
		Short: "Send a payment",
		Long: `Send a payment, gaslessly when the token supports EIP-3009 and gasless
payments are enabled, otherwise with a direct transfer.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			done, err := a.recording(session.Client)
			if err != nil {
				return err
			}
			defer done()

			if token == "" {
				token = string(x402.DefaultToken(a.cfg.Chain))
			}
			req := &x402.PaymentRequest{
				Amount:    args[1],
				Token:     x402.Token(token),
				Chain:     a.cfg.Chain,
				Recipient: args[0],
				Reference: reference,
				Tool:      tool,
			}
			if err := x402.ValidatePaymentRequest(req, time.Now()); err != nil {
				return err
			}
			result, err := session.Client.PayRequest(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol (defaults to the chain default)")
	cmd.Flags().StringVar(&tool, "tool", "", "tool being paid for")
	cmd.Flags().StringVar(&reference, "reference", "", "payment reference")
	return cmd
}

func newAuthorizeCmd(a *app) *cobra.Command {
	var (
		token    string
		validFor int64
		envelope bool
	)
	cmd := &cobra.Command{
		Use:   "authorize <recipient> <amount>",
		Short: "Sign an EIP-3009 authorization without submitting it",
		Long: `Sign an EIP-3009 transferWithAuthorization for recipient and print it.

With --envelope the authorization is printed as an X-Payment header value a
paywalled server can settle.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			auth, err := session.Client.CreateAuthorization(cmd.Context(), args[0], args[1], x402.Token(token),
				x402.AuthorizationOptions{ValidityPeriod: validFor})
			if err != nil {
				return err
			}
			if !envelope {
				return printJSON(cmd, auth)
			}
			env, err := x402http.NewAuthorizationEnvelope(a.cfg.Chain, auth)
			if err != nil {
				return err
			}
			header, err := env.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), header)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol (defaults to the chain default)")
	cmd.Flags().Int64Var(&validFor, "valid-for", 0, "validity window in seconds (defaults to the configured period)")
	cmd.Flags().BoolVar(&envelope, "envelope", false, "print an X-Payment header value")
	return cmd
}

func newSettleCmd(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "settle <file|->",
		Short: "Submit a signed authorization",
		Long: `Submit a signed EIP-3009 authorization, read as JSON or as an X-Payment
header value from a file or standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			auth, err := decodeAuthorization(data)
			if err != nil {
				return err
			}
			if token == "" {
				token = string(auth.Token)
			}

			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			done, err := a.recording(session.Client)
			if err != nil {
				return err
			}
			defer done()

			if verdict := session.Client.ValidateAuthorization(cmd.Context(), auth, x402.Token(token)); !verdict.Valid {
				return x402.NewPaymentError(verdict.Code, verdict.Reason, nil)
			}
			tx, err := session.Client.SettleGasless(cmd.Context(), auth, x402.Token(token))
			if err != nil {
				return err
			}
			return printJSON(cmd, tx)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol (defaults to the authorization's token)")
	return cmd
}

// decodeAuthorization accepts authorization JSON or an X-Payment envelope
func decodeAuthorization(data []byte) (*x402.EIP3009Authorization, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var auth x402.EIP3009Authorization
		if err := json.Unmarshal([]byte(trimmed), &auth); err != nil {
			return nil, x402.WrapPaymentError(x402.ErrCodeInvalidPaymentRequest, "invalid authorization JSON", err, nil)
		}
		return &auth, nil
	}
	env, err := x402http.DecodeEnvelope(trimmed)
	if err != nil {
		return nil, err
	}
	auth := env.Authorization()
	if auth == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPaymentRequest, "envelope carries a transaction hash, not an authorization", nil)
	}
	return auth, nil
}

// batchEntry is one line of a batch file
type batchEntry struct {
	Recipient string `yaml:"recipient" json:"recipient"`
	Amount    string `yaml:"amount" json:"amount"`
	Reference string `yaml:"reference" json:"reference"`
	Tool      string `yaml:"tool" json:"tool"`
}

func newBatchCmd(a *app) *cobra.Command {
	var (
		token           string
		continueOnError bool
		viaSplitter     bool
	)
	cmd := &cobra.Command{
		Use:   "batch <file|->",
		Short: "Pay several recipients from a YAML or JSON list",
		Long: `Pay every entry of a YAML or JSON list of {recipient, amount, reference, tool}.

With --via-splitter the entries are paid in one transaction through the
configured revenue splitter, using each entry's tool name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var entries []batchEntry
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("failed to parse batch file: %w", err)
			}
			if len(entries) == 0 {
				return fmt.Errorf("batch file has no entries")
			}

			session, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			done, err := a.recording(session.Client)
			if err != nil {
				return err
			}
			defer done()

			if viaSplitter {
				tools := make([]string, len(entries))
				amounts := make([]string, len(entries))
				for i, e := range entries {
					tools[i], amounts[i] = e.Tool, e.Amount
				}
				tx, err := session.Client.PayViaSplitter(cmd.Context(), tools, amounts, x402.Token(token))
				if err != nil {
					return err
				}
				return printJSON(cmd, tx)
			}

			items := make([]x402.BatchPaymentItem, len(entries))
			for i, e := range entries {
				items[i] = x402.BatchPaymentItem{Recipient: e.Recipient, Amount: e.Amount, Reference: e.Reference}
			}
			result, err := session.Client.PayBatch(cmd.Context(), items, x402.Token(token),
				x402.BatchOptions{ContinueOnError: continueOnError})
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d of %d payments failed", len(result.Failed), len(items))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token symbol (defaults to the chain default)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep paying after a failure")
	cmd.Flags().BoolVar(&viaSplitter, "via-splitter", false, "pay through the revenue splitter contract")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
