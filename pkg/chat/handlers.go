package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/atlas-chat/atlas/pkg/auth"
	"github.com/atlas-chat/atlas/pkg/models"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	profile, err := s.loadProfile(ctx, claims)
	if err != nil {
		writeError(w, err, "could not load profile")
		return
	}
	def := s.tiers.Resolve(profile.Tier)

	sent, err := s.store.CountUserMessagesSince(ctx, claims.UserID, startOfDay(s.now()))
	if err != nil {
		writeError(w, err, "could not count messages")
		return
	}

	report := models.UsageReport{
		UserID:            claims.UserID,
		Tier:              def.Name,
		MessagesToday:     sent,
		DailyMessageLimit: def.DailyMessageLimit,
		Budget:            s.budget.Status(ctx, def.Name).Decision,
	}

	period, err := s.billing.CurrentPeriod(ctx, claims.UserID)
	if err == nil {
		summary, err := s.billing.CalculateOverageForPeriod(ctx, claims.UserID, period.ID)
		if err == nil {
			report.Period = &summary
		} else {
			s.log.Warnw("overage summary failed", "user_id", claims.UserID, "period_id", period.ID, "error", err)
		}
	} else {
		s.log.Warnw("current billing period failed", "user_id", claims.UserID, "error", err)
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCharges(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	charges, err := s.store.ListOverageCharges(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err, "could not list charges")
		return
	}
	if charges == nil {
		charges = []models.OverageCharge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"charges": charges})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	convID := mux.Vars(r)["id"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	msgs, err := s.store.ListConversationMessages(r.Context(), claims.UserID, convID, limit)
	if err != nil {
		writeError(w, err, "could not load conversation")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": convID, "messages": msgs})
}

// handleBillingRun runs one overage billing cycle. An optional "period"
// query parameter (YYYY-MM) bills that month instead of the current one.
func (s *Server) handleBillingRun(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if v := r.URL.Query().Get("period"); v != "" {
		t, err := time.Parse("2006-01", v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "period must be formatted as YYYY-MM")
			return
		}
		at = t
	}

	result, err := s.billing.RunOverageBillingCycleAt(r.Context(), at)
	if err != nil {
		s.log.Errorw("billing run failed", "period", at.Format("2006-01"), "error", err)
		writeError(w, err, "billing run failed")
		return
	}
	s.log.Infow("billing run finished",
		"period", at.Format("2006-01"),
		"processed_users", result.ProcessedUsers,
		"charges_created", result.ChargesCreated,
		"errors", len(result.Errors),
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	db := "ok"
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warnw("health check database ping failed", "error", err)
		status, code, db = "degraded", http.StatusServiceUnavailable, err.Error()
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"database":  db,
		"providers": s.router.Providers(),
		"billing":   s.cfg.Billing.Enabled,
	})
}
