package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-chat/atlas/pkg/auth"
	ierr "github.com/atlas-chat/atlas/pkg/errors"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/router"
)

const maxRequestBody = 1 << 20

// turn is one answered chat request, ready to be metered and logged.
type turn struct {
	userID         string
	tier           string
	conversationID string
	prompt         string
	startedAt      time.Time
	route          router.Route
	completion     completion
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := auth.FromContext(ctx)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		writeJSONError(w, http.StatusBadRequest, "last message must come from the user")
		return
	}

	profile, err := s.loadProfile(ctx, claims)
	if err != nil {
		s.log.Errorw("load profile failed", "user_id", claims.UserID, "error", err)
		writeError(w, err, "could not load profile")
		return
	}
	def := s.tiers.Resolve(profile.Tier)

	if err := s.checkMessageLimit(ctx, claims.UserID, def); err != nil {
		writeError(w, err, "could not check message limit")
		return
	}

	model := req.Model
	if model == "" {
		model = s.tiers.DefaultModel(def.Name)
	}
	if !s.tiers.IsModelEligible(def.Name, model) {
		writeJSONError(w, http.StatusForbidden, fmt.Sprintf("model %q is not available on the %s tier", model, def.Name))
		return
	}

	decision := s.budget.CheckBudgetCeiling(ctx, def.Name)
	if !decision.Allowed {
		s.log.Infow("chat denied by budget", "user_id", claims.UserID, "tier", def.Name, "reason", decision.Message)
		writeJSONError(w, http.StatusTooManyRequests, decision.Message)
		return
	}
	if decision.PriorityOverride {
		w.Header().Set(HeaderPriorityOverride, "true")
	}

	routes, err := s.router.Resolve(model)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "no providers available")
		return
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.Chat.DefaultMaxTokens
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	w.Header().Set(HeaderConversationID, convID)

	t := turn{
		userID:         claims.UserID,
		tier:           def.Name,
		conversationID: convID,
		prompt:         last.Content,
		startedAt:      s.now(),
	}
	req.Model = model

	if req.Stream {
		s.relayStream(w, r, req, routes, maxTokens, t)
		return
	}
	s.relay(w, r, req, routes, maxTokens, t)
}

// relay performs a non-streaming request with provider fallback.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, req models.ChatRequest, routes []router.Route, maxTokens int, t turn) {
	var result *upstreamResult
	var used router.Route
	for _, route := range routes {
		format := route.Format()
		body, err := buildUpstreamBody(format, req, route.Model, maxTokens)
		if err != nil {
			s.log.Errorw("build upstream request failed", "provider", route.Provider.Name, "error", err)
			continue
		}

		started := time.Now()
		res, err := doUpstreamRequest(r.Context(), s.client, route.Provider.URL, upstreamPath(format),
			upstreamHeaders(route, s.cfg.Chat.AnthropicVersion), body)
		s.observeUpstream(route.Provider.Name, res, err, started)
		if isRetryable(err, 0) {
			s.log.Warnw("upstream failed, trying next", "provider", route.Provider.Name, "error", err)
			continue
		}
		if isRetryable(nil, res.statusCode) {
			s.log.Warnw("upstream error status, trying next", "provider", route.Provider.Name, "status", res.statusCode)
			result, used = res, route
			continue
		}
		result, used = res, route
		break
	}

	if result == nil {
		writeJSONError(w, http.StatusBadGateway, "all upstream providers failed")
		return
	}
	if result.statusCode != http.StatusOK {
		s.log.Warnw("upstream rejected request", "provider", used.Provider.Name, "status", result.statusCode, "body", truncate(string(result.body), 512))
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("upstream provider %s returned %d", used.Provider.Name, result.statusCode))
		return
	}

	c, err := parseCompletion(used.Format(), result.body)
	if err != nil {
		s.log.Errorw("parse upstream response failed", "provider", used.Provider.Name, "error", err)
		writeJSONError(w, http.StatusBadGateway, "invalid upstream response")
		return
	}

	t.route, t.completion = used, c
	cost := s.account(context.WithoutCancel(r.Context()), t)

	w.Header().Set(HeaderProvider, used.Provider.Name)
	writeJSON(w, http.StatusOK, models.ChatResponse{
		ConversationID: t.conversationID,
		Model:          used.Model,
		Provider:       used.Provider.Name,
		Content:        c.content,
		Usage:          c.usage,
		CostUSD:        cost,
	})
}

// relayStream performs a streaming request with provider fallback and relays
// the provider's SSE events to the client.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, req models.ChatRequest, routes []router.Route, maxTokens int, t turn) {
	var resp *http.Response
	var used router.Route
	for _, route := range routes {
		format := route.Format()
		body, err := buildUpstreamBody(format, req, route.Model, maxTokens)
		if err != nil {
			s.log.Errorw("build upstream request failed", "provider", route.Provider.Name, "error", err)
			continue
		}

		started := time.Now()
		res, err := doUpstreamStreamRequest(r.Context(), s.client, route.Provider.URL, upstreamPath(format),
			upstreamHeaders(route, s.cfg.Chat.AnthropicVersion), body)
		if err != nil {
			s.observeUpstream(route.Provider.Name, nil, err, started)
			s.log.Warnw("upstream failed, trying next", "provider", route.Provider.Name, "error", err)
			continue
		}
		s.observeUpstream(route.Provider.Name, &upstreamResult{statusCode: res.StatusCode}, nil, started)
		if res.StatusCode >= 500 {
			res.Body.Close()
			s.log.Warnw("upstream error status, trying next", "provider", route.Provider.Name, "status", res.StatusCode)
			continue
		}
		resp, used = res, route
		break
	}

	if resp == nil {
		writeJSONError(w, http.StatusBadGateway, "all upstream providers failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.Warnw("upstream rejected request", "provider", used.Provider.Name, "status", resp.StatusCode, "body", string(snippet))
		writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("upstream provider %s returned %d", used.Provider.Name, resp.StatusCode))
		return
	}

	w.Header().Set(HeaderProvider, used.Provider.Name)
	result, err := streamSSEResponse(w, resp, used.Format())
	if result == nil {
		s.log.Errorw("streaming unavailable", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err != nil {
		s.log.Warnw("streaming error", "provider", used.Provider.Name, "error", err)
	}
	if result.usage == nil {
		s.log.Warnw("stream ended without usage", "provider", used.Provider.Name, "model", used.Model)
	}

	t.route, t.completion = used, result.completion()
	s.account(context.WithoutCancel(r.Context()), t)
}

// account prices a completed turn, records it against the daily budget and
// the user's billing period, and appends both sides to the message log.
// Failures are logged; the client already has its answer.
func (s *Server) account(ctx context.Context, t turn) decimal.Decimal {
	in := int64(t.completion.usage.PromptTokens)
	out := int64(t.completion.usage.CompletionTokens)
	model := t.route.Model
	cost := s.pricing.Cost(model, in, out)

	s.budget.RecordSpend(ctx, t.tier, cost, 1)

	if err := s.billing.RecordUsage(ctx, t.userID, model, in, out, cost); err != nil {
		s.log.Errorw("record period usage failed", "user_id", t.userID, "model", model, "error", err)
	}

	msgs := []*models.Message{
		{
			UserID:         t.userID,
			ConversationID: t.conversationID,
			Role:           "user",
			Content:        t.prompt,
			Model:          model,
			Provider:       t.route.Provider.Name,
			InputTokens:    in,
			CostUSD:        decimal.Zero,
			CreatedAt:      t.startedAt,
		},
		{
			UserID:         t.userID,
			ConversationID: t.conversationID,
			Role:           "assistant",
			Content:        t.completion.content,
			Model:          model,
			Provider:       t.route.Provider.Name,
			OutputTokens:   out,
			CostUSD:        cost,
			CreatedAt:      s.now(),
		},
	}
	for _, m := range msgs {
		if err := s.store.AppendMessage(ctx, m); err != nil {
			s.log.Errorw("append message failed", "user_id", t.userID, "conversation_id", t.conversationID, "role", m.Role, "error", err)
		}
	}

	s.log.Infow("chat completed",
		"user_id", t.userID,
		"tier", t.tier,
		"provider", t.route.Provider.Name,
		"model", model,
		"input_tokens", in,
		"output_tokens", out,
		"cost_usd", cost.String(),
	)
	return cost
}

// loadProfile returns the caller's profile, provisioning a free profile on
// first use.
func (s *Server) loadProfile(ctx context.Context, claims auth.Claims) (models.Profile, error) {
	if p, ok := s.profiles.Get(claims.UserID); ok {
		return p, nil
	}

	p, err := s.store.GetProfile(ctx, claims.UserID)
	switch {
	case ierr.IsNotFound(err):
		p = models.Profile{
			ID:        claims.UserID,
			Email:     claims.Email,
			Tier:      models.TierFree,
			CreatedAt: s.now(),
		}
		if err := s.store.UpsertProfile(ctx, p); err != nil {
			return models.Profile{}, fmt.Errorf("provision profile: %w", err)
		}
		s.log.Infow("profile provisioned", "user_id", p.ID, "tier", p.Tier)
	case err != nil:
		return models.Profile{}, err
	}

	s.profiles.Add(claims.UserID, p)
	return p, nil
}

// checkMessageLimit enforces the tier's daily message cap for the current UTC day.
func (s *Server) checkMessageLimit(ctx context.Context, userID string, def models.TierDefinition) error {
	if def.UnlimitedMessages() {
		return nil
	}
	sent, err := s.store.CountUserMessagesSince(ctx, userID, startOfDay(s.now()))
	if err != nil {
		return err
	}
	if sent >= int64(def.DailyMessageLimit) {
		return ierr.NewErrorf("user %s sent %d messages today", userID, sent).
			WithHintf("daily message limit of %d reached for the %s tier", def.DailyMessageLimit, def.Name).
			Mark(ierr.ErrQuotaExceeded)
	}
	return nil
}

func (s *Server) observeUpstream(provider string, res *upstreamResult, err error, started time.Time) {
	if s.metrics == nil {
		return
	}
	status := "error"
	if err == nil && res != nil {
		status = strconv.Itoa(res.statusCode)
	}
	s.metrics.ChatRequests.WithLabelValues(provider, status).Inc()
	s.metrics.ChatDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
