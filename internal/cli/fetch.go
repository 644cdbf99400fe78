package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/agentpay"
	x402http "github.com/x402-foundation/agentpay/http"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		maxPrice string
		data     string
	)
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Request a URL, paying its 402 challenge when the price allows",
		Long: `Request a URL. When the server answers 402 Payment Required and the price is
at or below --max-price, the payment is made and the request retried once with
the X-Payment proof. The response body is written to standard output.`,
		Args: cobra.ExactArgs(1),
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

			opts := x402.HandleOptions{
				AutoPayUnder: maxPrice,
				OnApprovalRequired: func(ctx context.Context, req *x402.PaymentRequest) (bool, error) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s asks for %s %s, above --max-price %s\n",
						args[0], req.Amount, req.Token, maxPrice)
					return false, nil
				},
			}

			client := x402http.WrapHTTPClientWithPayment(nil, session.Client, opts)
			client.Transport.(*x402http.PaymentRoundTripper).OnPayment = func(r *x402.PaymentRequiredResult) {
				fmt.Fprintf(cmd.ErrOrStderr(), "paid %s %s in %s\n", r.Request.Amount, r.Request.Token, r.Transaction.Hash)
			}

			method, body := http.MethodGet, io.Reader(nil)
			if data != "" {
				method, body = http.MethodPost, strings.NewReader(data)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), method, args[0], body)
			if err != nil {
				return err
			}
			if data != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%s returned %s", args[0], resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&maxPrice, "max-price", "0", "pay automatically up to this amount")
	cmd.Flags().StringVarP(&data, "data", "d", "", "POST this JSON body")
	return cmd
}
