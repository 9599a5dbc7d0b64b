package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlas-chat/atlas/pkg/config"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

func newTiersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List the configured subscription tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tPAID\tMESSAGES/DAY\tCEILING USD\tCREDITS USD\tMODELS")
			for _, t := range tiers.New(cfg.Tiers).All() {
				messages := strconv.Itoa(t.DailyMessageLimit)
				if t.UnlimitedMessages() {
					messages = "unlimited"
				}
				credits := t.IncludedCreditsUSD.StringFixed(2)
				if t.UnlimitedCredits() {
					credits = "unlimited"
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
					t.Name, t.Paid, messages, t.BudgetCeilingUSD.StringFixed(2), credits, strings.Join(t.EligibleModels, ","))
			}
			return w.Flush()
		},
	}
}
