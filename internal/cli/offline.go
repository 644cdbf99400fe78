package cli

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/agentpay"
)

func newChainsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List supported chains and their tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tID\tNAME\tTOKENS\tGASLESS")
			for _, info := range x402.SupportedChains() {
				var tokens, gasless []string
				for _, token := range x402.AvailableTokens(info.Chain) {
					tokens = append(tokens, string(token))
					if x402.SupportsGasless(info.Chain, token) {
						gasless = append(gasless, string(token))
					}
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", info.Chain, info.ChainID, info.Name,
					strings.Join(tokens, ","), strings.Join(gasless, ","))
			}
			return w.Flush()
		},
	}
}

func newParseCmd(a *app) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "parse [challenge]",
		Short: "Decode an X402 challenge into a payment request",
		Long: `Decode an X402 WWW-Authenticate challenge into a payment request.

Pass the header value as an argument, or --url to fetch a resource and decode
its 402 response.

Example:
  agentpay parse 'X402 price="0.01 USDC" chain="base" recipient="0x..."'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp *x402.Response
			switch {
			case url != "":
				req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
				if err != nil {
					return err
				}
				httpResp, err := http.DefaultClient.Do(req)
				if err != nil {
					return x402.WrapPaymentError(x402.ErrCodeNetworkError, "failed to fetch "+url, err, nil)
				}
				if resp, err = x402.ParseHTTPResponse(httpResp); err != nil {
					return err
				}
				if !resp.IsPaymentRequired() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s did not ask for payment (status %d)\n", url, resp.StatusCode)
					return nil
				}
			case len(args) == 1:
				header := make(http.Header)
				header.Set(x402.ChallengeHeader, args[0])
				resp = &x402.Response{StatusCode: http.StatusPaymentRequired, Header: header}
			default:
				return fmt.Errorf("a challenge or --url is required")
			}

			req, err := x402.ParsePaymentRequired(resp)
			if err != nil {
				return err
			}
			return printJSON(cmd, req)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "fetch url and decode its 402 response")
	return cmd
}

func newSplitCmd(a *app) *cobra.Command {
	var feeBps int
	cmd := &cobra.Command{
		Use:   "split <amount>",
		Short: "Show the developer/platform split of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			split, err := x402.CalculateSplit(args[0], feeBps)
			if err != nil {
				return err
			}
			return printJSON(cmd, split)
		},
	}
	cmd.Flags().IntVar(&feeBps, "fee-bps", 0, "platform fee in basis points")
	return cmd
}
