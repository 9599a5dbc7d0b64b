package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBillingCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Run overage billing and inspect billing periods",
	}

	var period string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one overage billing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if period != "" {
				t, err := time.Parse("2006-01", period)
				if err != nil {
					return fmt.Errorf("--period must be formatted as YYYY-MM: %w", err)
				}
				at = t
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.billing.RunOverageBillingCycleAt(cmd.Context(), at)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Period:            %s\n", at.Format("January 2006"))
			fmt.Fprintf(out, "Users processed:   %d\n", result.ProcessedUsers)
			fmt.Fprintf(out, "Charges created:   %d\n", result.ChargesCreated)
			fmt.Fprintf(out, "Charges processed: %d\n", result.ChargesProcessed)
			if len(result.Errors) > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tERROR")
				for _, e := range result.Errors {
					fmt.Fprintf(w, "%s\t%s\n", e.UserID, e.Error)
				}
				return w.Flush()
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&period, "period", "", "bill a specific month (YYYY-MM) instead of the current one")

	var userID string
	overageCmd := &cobra.Command{
		Use:   "overage",
		Short: "Show a user's current period usage against included credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.billing.CurrentPeriod(cmd.Context(), userID)
			if err != nil {
				return err
			}
			s, err := a.billing.CalculateOverageForPeriod(cmd.Context(), userID, p.ID)
			if err != nil {
				return err
			}
			charges, err := a.store.ListOverageCharges(cmd.Context(), userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PERIOD\tTIER\tTOKENS\tSPEND USD\tINCLUDED USD\tOVERAGE USD\tREMAINING USD")
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				p.PeriodStart.Format("2006-01"), s.Tier, s.Tokens,
				s.TotalCostUSD.StringFixed(4), s.IncludedCreditsUSD.StringFixed(2),
				s.OverageUSD.StringFixed(4), s.RemainingCreditsUSD.StringFixed(4))
			if err := w.Flush(); err != nil {
				return err
			}

			if len(charges) == 0 {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout())
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHARGE\tSTATUS\tCOST USD\tORDER\tCREATED")
			for _, c := range charges {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Status, c.CostUSD.StringFixed(2), c.ExternalOrderID, c.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	overageCmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = overageCmd.MarkFlagRequired("user")

	cmd.AddCommand(runCmd, overageCmd)
	return cmd
}
