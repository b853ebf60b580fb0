package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/middleware"
	"github.com/hitoshi/sanctum/internal/model"
)

// AccessEvaluator はティア判定のインターフェース。
type AccessEvaluator interface {
	CanAccess(user *model.User, required model.Tier) bool
	Accessible(user *model.User) []model.Tier
}

// AccessHandler はティアによるアクセス可否を返すハンドラー。
type AccessHandler struct {
	evaluator AccessEvaluator
	metrics   metrics.MetricsCollector
}

// NewAccessHandler はAccessHandlerを生成する。
func NewAccessHandler(evaluator AccessEvaluator, mc metrics.MetricsCollector) *AccessHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &AccessHandler{
		evaluator: evaluator,
		metrics:   mc,
	}
}

type accessResponse struct {
	Granted bool   `json:"granted"`
	Tier    string `json:"tier"`
}

type entitlementsResponse struct {
	Tiers []model.Tier `json:"tiers"`
}

// Check は現在のユーザーが指定ティアにアクセスできるかを返す。
// GET /api/access/{tier}
func (h *AccessHandler) Check(w http.ResponseWriter, r *http.Request) {
	tier, ok := model.ParseTier(chi.URLParam(r, "tier"))
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidTierError(chi.URLParam(r, "tier")))
		return
	}

	user, _ := middleware.CurrentUser(r.Context())
	granted := h.evaluator.CanAccess(user, tier)
	h.metrics.RecordAccessDecision(granted)

	if !granted {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewUpgradeRequiredError(tier))
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{Granted: true, Tier: string(tier)})
}

// Entitlements は現在のユーザーがアクセスできるティアの一覧を返す。
// GET /api/entitlements
func (h *AccessHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.CurrentUser(r.Context())
	writeJSON(w, http.StatusOK, entitlementsResponse{Tiers: h.evaluator.Accessible(user)})
}
