package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/models"
)

type tierArgs struct {
	Tier string `json:"tier"`
}

type dayArgs struct {
	Day string `json:"day"`
}

type userArgs struct {
	UserID string `json:"user_id"`
}

type conversationArgs struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"atlas_budget_status": handleBudgetStatus,
	"atlas_day_spend":     handleDaySpend,
	"atlas_tiers":         handleTiers,
	"atlas_user_overage":  handleUserOverage,
	"atlas_user_charges":  handleUserCharges,
	"atlas_conversation":  handleConversation,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "atlas_budget_status",
		Description: "Show today's spend against the budget ceiling and the current gate decision, per tier.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tier": stringProp("Tier name (optional, omit for all tiers)"),
			},
		},
	},
	{
		Name:        "atlas_day_spend",
		Description: "Show the spend and request counts recorded for each tier on a UTC day.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"day": stringProp("Day as YYYY-MM-DD (optional, defaults to today)"),
			},
		},
	},
	{
		Name:        "atlas_tiers",
		Description: "List configured subscription tiers with their limits and eligible models.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "atlas_user_overage",
		Description: "Show a user's current billing period usage, included credits, and overage.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"user_id"},
			"properties": map[string]any{
				"user_id": stringProp("The user ID to inspect"),
			},
		},
	},
	{
		Name:        "atlas_user_charges",
		Description: "List the overage charges recorded for a user.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"user_id"},
			"properties": map[string]any{
				"user_id": stringProp("The user ID to inspect"),
			},
		},
	},
	{
		Name:        "atlas_conversation",
		Description: "Show the stored messages of a conversation, with token counts and cost.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"user_id", "conversation_id"},
			"properties": map[string]any{
				"user_id":         stringProp("Owner of the conversation"),
				"conversation_id": stringProp("The conversation ID"),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of messages (optional, default 50)",
				},
			},
		},
	},
}

func handleBudgetStatus(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tierArgs
	parseArgs(raw, &args)

	names := lo.Map(s.tiers.All(), func(t models.TierDefinition, _ int) string { return t.Name })
	if args.Tier != "" {
		if _, ok := s.tiers.Lookup(args.Tier); !ok {
			return errorResult(fmt.Sprintf("unknown tier %q", args.Tier))
		}
		names = []string{args.Tier}
	}

	statuses := lo.Map(names, func(name string, _ int) models.BudgetStatus {
		return s.budget.Status(ctx, name)
	})
	return textResult(formatBudgetStatus(statuses))
}

func handleDaySpend(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args dayArgs
	parseArgs(raw, &args)

	day := args.Day
	if day == "" {
		day = models.DayKey(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		return errorResult("day must be formatted as YYYY-MM-DD")
	}

	rows, err := s.store.ListDaySpend(ctx, day)
	if err != nil {
		return errorResult(fmt.Sprintf("list day spend: %v", err))
	}
	return textResult(formatDaySpend(day, rows))
}

func handleTiers(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatTiers(s.tiers.All()))
}

func handleUserOverage(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args userArgs
	parseArgs(raw, &args)
	if args.UserID == "" {
		return errorResult("user_id is required")
	}

	period, err := s.billing.CurrentPeriod(ctx, args.UserID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return errorResult(fmt.Sprintf("user %s not found", args.UserID))
		}
		return errorResult(fmt.Sprintf("current billing period: %v", err))
	}
	summary, err := s.billing.CalculateOverageForPeriod(ctx, args.UserID, period.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("calculate overage: %v", err))
	}
	return textResult(formatOverage(period, summary))
}

func handleUserCharges(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args userArgs
	parseArgs(raw, &args)
	if args.UserID == "" {
		return errorResult("user_id is required")
	}

	charges, err := s.store.ListOverageCharges(ctx, args.UserID)
	if err != nil {
		return errorResult(fmt.Sprintf("list charges: %v", err))
	}
	return textResult(formatCharges(charges))
}

func handleConversation(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args conversationArgs
	parseArgs(raw, &args)
	if args.UserID == "" || args.ConversationID == "" {
		return errorResult("user_id and conversation_id are required")
	}
	if args.Limit <= 0 || args.Limit > 500 {
		args.Limit = 50
	}

	msgs, err := s.store.ListConversationMessages(ctx, args.UserID, args.ConversationID, args.Limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list messages: %v", err))
	}
	return textResult(formatMessages(msgs))
}

// parseArgs unmarshals optional arguments; malformed input leaves dst zeroed.
func parseArgs(raw json.RawMessage, dst any) {
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, dst)
	}
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(msg string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: msg}},
		IsError: true,
	}
}
