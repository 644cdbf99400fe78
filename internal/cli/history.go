package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	x402 "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/pkg/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		tool   string
		total  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [address]",
		Short: "List recorded payments",
		Long: `List payments recorded in the history database, newest first.

Filter by the address that sent or received them, or by --tool. With --total
TOKEN the sum the address has paid in that token is printed instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(a.dbPath, history.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if total != "" {
				if len(args) == 0 {
					return fmt.Errorf("--total needs an address")
				}
				sum, err := store.GetTotalByToken(ctx, args[0], x402.Token(total))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sum, total)
				return nil
			}

			var records []*history.Record
			switch {
			case len(args) == 1:
				records, err = store.GetPaymentsByAddress(ctx, args[0])
			case tool != "":
				records, err = store.GetPaymentsByTool(ctx, tool)
			default:
				return fmt.Errorf("an address or --tool is required")
			}
			if err != nil {
				return err
			}
			if len(args) == 1 && tool != "" {
				filtered := records[:0]
				for _, r := range records {
					if r.Tool == tool {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}

			if asJSON {
				return printJSON(cmd, records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tAMOUNT\tTOKEN\tFROM\tTO\tTOOL\tTX")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					r.Amount, r.Token, r.From, r.To, r.Tool, r.TxHash)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "only payments for this tool")
	cmd.Flags().StringVar(&total, "total", "", "print the total paid in this token")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
