package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/atlas-chat/atlas/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect today's spend against tier ceilings",
	}

	var tier string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's spend and budget decision per tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			names := lo.Map(a.tiers.All(), func(t models.TierDefinition, _ int) string { return t.Name })
			if tier != "" {
				if _, ok := a.tiers.Lookup(tier); !ok {
					return fmt.Errorf("unknown tier %q", tier)
				}
				names = []string{tier}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tTIER\tSPEND USD\tCEILING USD\tSYSTEM USD\tDECISION")
			for _, name := range names {
				s := a.budget.Status(cmd.Context(), name)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Day, s.Tier, s.TierSpendUSD.StringFixed(4), s.TierCeilingUSD.StringFixed(2),
					s.SystemSpendUSD.StringFixed(4), decisionLabel(s.Decision))
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&tier, "tier", "", "show a single tier")

	cmd.AddCommand(statusCmd)
	return cmd
}

func decisionLabel(d models.BudgetDecision) string {
	switch {
	case !d.Allowed:
		return "denied: " + d.Message
	case d.PriorityOverride:
		return "allowed (priority override)"
	default:
		return "allowed"
	}
}
