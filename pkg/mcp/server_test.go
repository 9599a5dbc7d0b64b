package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/billing"
	"github.com/atlas-chat/atlas/pkg/budget"
	"github.com/atlas-chat/atlas/pkg/config"
	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/store"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

type testEnv struct {
	srv     *Server
	store   *store.SQLStore
	billing *billing.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "atlas.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	log := logger.NewNop()
	reg := tiers.New(cfg.Tiers)
	svc := billing.NewService(st, reg, nil, billing.Config{
		MinimumChargeUSD: cfg.Billing.MinimumChargeUSD,
		OverageProduct:   cfg.Billing.OverageProduct,
	}, log, nil)

	srv := New(Deps{
		Store:   st,
		Tiers:   reg,
		Budget:  budget.New(st, reg, cfg.Limits, cfg.Budget.FailurePolicy, log, nil),
		Billing: svc,
		Logger:  log,
	}, "test")
	return &testEnv{srv: srv, store: st, billing: svc}
}

func (e *testEnv) profile(t *testing.T, id, tier string) {
	t.Helper()
	err := e.store.UpsertProfile(context.Background(), models.Profile{
		ID:                 id,
		Email:              id + "@example.com",
		Tier:               tier,
		SubscriptionStatus: models.SubscriptionActive,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name string, args any) ToolCallResult {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: rawArgs})
	if err != nil {
		t.Fatal(err)
	}

	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(result.Content))
	}
	return result
}

func TestInitialize(t *testing.T) {
	e := newTestEnv(t)
	resp := sendAndReceive(t, e.srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.ServerInfo.Name != "atlas" || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocol version = %q", result.ProtocolVersion)
	}
}

func TestToolsList(t *testing.T) {
	e := newTestEnv(t)
	resp := sendAndReceive(t, e.srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != len(toolHandlers) {
		t.Fatalf("expected %d tools, got %d", len(toolHandlers), len(result.Tools))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n\n")
	if err := e.srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestParseErrorAndUnknownMethod(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	in := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n")
	if err := e.srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %q", len(lines), out.String())
	}
	var parseResp, methodResp Response
	if err := json.Unmarshal([]byte(lines[0]), &parseResp); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &methodResp); err != nil {
		t.Fatal(err)
	}
	if parseResp.Error == nil || parseResp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", parseResp.Error)
	}
	if methodResp.Error == nil || methodResp.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", methodResp.Error)
	}
}

func TestUnknownTool(t *testing.T) {
	e := newTestEnv(t)
	result := callTool(t, e.srv, "atlas_nope", map[string]any{})
	if !result.IsError || !strings.Contains(result.Content[0].Text, "unknown tool") {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestBudgetStatusTool(t *testing.T) {
	e := newTestEnv(t)
	today := models.DayKey(time.Now())
	if err := e.store.IncrementSpend(context.Background(), today, models.TierFree, decimal.NewFromInt(60), 3); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, e.srv, "atlas_budget_status", map[string]any{"tier": "free"})
	text := result.Content[0].Text
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "denied: "+budget.MsgTierCeiling) {
		t.Errorf("expected tier ceiling denial, got:\n%s", text)
	}
	if strings.Contains(text, "studio") {
		t.Errorf("expected a single tier, got:\n%s", text)
	}

	result = callTool(t, e.srv, "atlas_budget_status", map[string]any{})
	text = result.Content[0].Text
	for _, tier := range []string{"free", "core", "studio"} {
		if !strings.Contains(text, tier) {
			t.Errorf("missing tier %s in:\n%s", tier, text)
		}
	}
	if !strings.Contains(text, "Emergency shutoff: $500.00") {
		t.Errorf("missing limits in:\n%s", text)
	}

	result = callTool(t, e.srv, "atlas_budget_status", map[string]any{"tier": "platinum"})
	if !result.IsError {
		t.Error("expected error for unknown tier")
	}
}

func TestDaySpendTool(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if err := e.store.IncrementSpend(ctx, "2026-09-14", models.TierFree, decimal.RequireFromString("1.25"), 4); err != nil {
		t.Fatal(err)
	}
	if err := e.store.IncrementSpend(ctx, "2026-09-14", models.TierCore, decimal.RequireFromString("2.5"), 2); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, e.srv, "atlas_day_spend", map[string]any{"day": "2026-09-14"})
	text := result.Content[0].Text
	if !strings.Contains(text, "1.2500") || !strings.Contains(text, "3.7500") {
		t.Errorf("unexpected day spend:\n%s", text)
	}

	result = callTool(t, e.srv, "atlas_day_spend", map[string]any{"day": "2026-09-15"})
	if !strings.Contains(result.Content[0].Text, "No spend recorded") {
		t.Errorf("unexpected output: %s", result.Content[0].Text)
	}

	result = callTool(t, e.srv, "atlas_day_spend", map[string]any{"day": "yesterday"})
	if !result.IsError {
		t.Error("expected error for malformed day")
	}
}

func TestTiersTool(t *testing.T) {
	e := newTestEnv(t)
	text := callTool(t, e.srv, "atlas_tiers", nil).Content[0].Text
	if !strings.Contains(text, "studio") || !strings.Contains(text, "unlimited") {
		t.Errorf("unexpected tiers output:\n%s", text)
	}
	if !strings.Contains(text, "claude-opus-4-1") {
		t.Errorf("missing studio model in:\n%s", text)
	}
}

func TestUserOverageTool(t *testing.T) {
	e := newTestEnv(t)
	e.profile(t, "u-core", models.TierCore)
	if err := e.billing.RecordUsage(context.Background(), "u-core", "gpt-4o", 1000, 500, decimal.NewFromInt(30)); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, e.srv, "atlas_user_overage", map[string]any{"user_id": "u-core"})
	text := result.Content[0].Text
	if result.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	for _, want := range []string{"Tokens:    1500", "Overage:   $5.00", "remaining $0.00"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}

	result = callTool(t, e.srv, "atlas_user_overage", map[string]any{"user_id": "ghost"})
	if !result.IsError || !strings.Contains(result.Content[0].Text, "not found") {
		t.Errorf("expected not found, got %+v", result)
	}

	result = callTool(t, e.srv, "atlas_user_overage", map[string]any{})
	if !result.IsError {
		t.Error("expected error without user_id")
	}
}

func TestUserChargesTool(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.profile(t, "u-studio", models.TierStudio)

	text := callTool(t, e.srv, "atlas_user_charges", map[string]any{"user_id": "u-studio"}).Content[0].Text
	if text != "No overage charges found." {
		t.Errorf("unexpected output: %s", text)
	}

	periodID, err := e.billing.GetOrCreateCurrentBillingPeriod(ctx, "u-studio")
	if err != nil {
		t.Fatal(err)
	}
	charge := &models.OverageCharge{
		UserID:          "u-studio",
		BillingPeriodID: periodID,
		Description:     "overage",
		CostUSD:         decimal.RequireFromString("12.5"),
		Status:          models.ChargeFailed,
		Error:           "card declined",
	}
	if err := e.store.InsertOverageCharge(ctx, charge); err != nil {
		t.Fatal(err)
	}

	text = callTool(t, e.srv, "atlas_user_charges", map[string]any{"user_id": "u-studio"}).Content[0].Text
	for _, want := range []string{charge.ID, "12.50", "failed", "error: card declined"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}

func TestConversationTool(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)

	msgs := []models.Message{
		{UserID: "u1", ConversationID: "c1", Role: "user", Content: "hello there", InputTokens: 5, CreatedAt: start},
		{UserID: "u1", ConversationID: "c1", Role: "assistant", Content: "hi", Model: "gpt-4o", Provider: "openai",
			OutputTokens: 2, CostUSD: decimal.RequireFromString("0.00002"), CreatedAt: start.Add(time.Second)},
	}
	for i := range msgs {
		if err := e.store.AppendMessage(ctx, &msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	text := callTool(t, e.srv, "atlas_conversation", map[string]any{"user_id": "u1", "conversation_id": "c1"}).Content[0].Text
	for _, want := range []string{"hello there", "(gpt-4o via openai)", "cost=$0.000020"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}

	text = callTool(t, e.srv, "atlas_conversation", map[string]any{"user_id": "u2", "conversation_id": "c1"}).Content[0].Text
	if !strings.Contains(text, "No messages found") {
		t.Errorf("conversation leaked across users:\n%s", text)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("a\nb", 10); got != "a b" {
		t.Errorf("snippet = %q", got)
	}
	if got := snippet(strings.Repeat("x", 12), 10); got != strings.Repeat("x", 10)+"..." {
		t.Errorf("snippet = %q", got)
	}
}
