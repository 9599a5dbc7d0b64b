package mcp

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/models"
)

func formatBudgetStatus(rows []models.BudgetStatus) string {
	if len(rows) == 0 {
		return "No tiers configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %12s %12s %12s  %s\n",
		"Day", "Tier", "Spend USD", "Ceiling USD", "System USD", "Decision")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, s := range rows {
		fmt.Fprintf(&b, "%-10s %-10s %12s %12s %12s  %s\n",
			s.Day, s.Tier,
			s.TierSpendUSD.StringFixed(4),
			s.TierCeilingUSD.StringFixed(2),
			s.SystemSpendUSD.StringFixed(4),
			decision(s.Decision))
	}
	fmt.Fprintf(&b, "\nHigh traffic threshold: $%s  Emergency shutoff: $%s\n",
		rows[0].HighTrafficUSD.StringFixed(2), rows[0].EmergencyUSD.StringFixed(2))
	return b.String()
}

func decision(d models.BudgetDecision) string {
	switch {
	case !d.Allowed:
		return "denied: " + d.Message
	case d.PriorityOverride:
		return "allowed (priority override)"
	default:
		return "allowed"
	}
}

func formatDaySpend(day string, rows []models.BudgetTracking) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No spend recorded on %s.", day)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Spend on %s\n\n", day)
	fmt.Fprintf(&b, "%-10s %12s %10s\n", "Tier", "Spend USD", "Requests")
	b.WriteString(strings.Repeat("-", 34) + "\n")

	total := decimal.Zero
	var requests int64
	for _, r := range rows {
		fmt.Fprintf(&b, "%-10s %12s %10d\n", r.Tier, r.TotalSpendUSD.StringFixed(4), r.RequestCount)
		total = total.Add(r.TotalSpendUSD)
		requests += r.RequestCount
	}
	b.WriteString(strings.Repeat("-", 34) + "\n")
	fmt.Fprintf(&b, "%-10s %12s %10d\n", "total", total.StringFixed(4), requests)
	return b.String()
}

func formatTiers(defs []models.TierDefinition) string {
	if len(defs) == 0 {
		return "No tiers configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-5s %10s %12s %12s  %s\n",
		"Tier", "Paid", "Msgs/Day", "Ceiling USD", "Credits USD", "Models")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, t := range defs {
		msgs := fmt.Sprintf("%d", t.DailyMessageLimit)
		if t.UnlimitedMessages() {
			msgs = "unlimited"
		}
		credits := t.IncludedCreditsUSD.StringFixed(2)
		if t.UnlimitedCredits() {
			credits = "unlimited"
		}
		paid := "no"
		if t.Paid {
			paid = "yes"
		}
		fmt.Fprintf(&b, "%-10s %-5s %10s %12s %12s  %s\n",
			t.Name, paid, msgs, t.BudgetCeilingUSD.StringFixed(2), credits,
			strings.Join(t.EligibleModels, ", "))
	}
	return b.String()
}

func formatOverage(p models.BillingPeriod, s models.OverageSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Billing Period: %s\n", p.ID)
	fmt.Fprintf(&b, "  User:      %s\n", p.UserID)
	fmt.Fprintf(&b, "  Tier:      %s\n", s.Tier)
	fmt.Fprintf(&b, "  Window:    %s to %s\n", p.PeriodStart.Format("2006-01-02"), p.PeriodEnd.Format("2006-01-02"))
	fmt.Fprintf(&b, "  Tokens:    %d\n", s.Tokens)
	fmt.Fprintf(&b, "  Spend:     $%s\n", s.TotalCostUSD.StringFixed(4))

	if s.IncludedCreditsUSD.IsNegative() {
		b.WriteString("  Credits:   unlimited\n")
		b.WriteString("  Overage:   $0.00\n")
		return b.String()
	}
	fmt.Fprintf(&b, "  Credits:   $%s (remaining $%s)\n",
		s.IncludedCreditsUSD.StringFixed(2), s.RemainingCreditsUSD.StringFixed(2))
	fmt.Fprintf(&b, "  Overage:   $%s\n", s.OverageUSD.StringFixed(2))
	return b.String()
}

func formatCharges(charges []models.OverageCharge) string {
	if len(charges) == 0 {
		return "No overage charges found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-36s %10s %-9s %-20s  %s\n",
		"Charge ID", "Period ID", "Cost USD", "Status", "Created", "Order")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, c := range charges {
		order := c.ExternalOrderID
		if c.Status == models.ChargeFailed {
			order = "error: " + c.Error
		}
		fmt.Fprintf(&b, "%-36s %-36s %10s %-9s %-20s  %s\n",
			c.ID, c.BillingPeriodID, c.CostUSD.StringFixed(2), c.Status,
			c.CreatedAt.Format("2006-01-02 15:04:05"), order)
	}
	return b.String()
}

func formatMessages(msgs []models.Message) string {
	if len(msgs) == 0 {
		return "No messages found for this conversation."
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role)
		if m.Model != "" {
			fmt.Fprintf(&b, " (%s via %s)", m.Model, m.Provider)
		}
		fmt.Fprintf(&b, " in=%d out=%d cost=$%s\n", m.InputTokens, m.OutputTokens, m.CostUSD.StringFixed(6))
		fmt.Fprintf(&b, "  %s\n", snippet(m.Content, 200))
	}
	return b.String()
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
