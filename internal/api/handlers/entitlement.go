// Package handlers contains the HTTP handler implementations for the
// entitlement engine API. Handlers declare the service contracts they need
// as local interfaces and receive implementations via their constructors.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"entitlements/internal/billing"
	"entitlements/internal/core"
	"entitlements/internal/types"
)

// SnapshotReader loads the account view the evaluator consumes.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, userID string) (types.AccountSnapshot, error)
}

// DecisionEvaluator answers whether a user may perform a metered action.
type DecisionEvaluator interface {
	Evaluate(user types.AccountSnapshot, featureCost int) (types.EntitlementDecision, error)
}

// CreditLedger is the ledger subset the entitlement handler needs.
type CreditLedger interface {
	Debit(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, params types.ListTransactionsParams) ([]types.CreditTransaction, types.PageInfo, error)
}

// EvaluateRequest is the body for POST /v1/entitlements/evaluate.
type EvaluateRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	FeatureCost int    `json:"feature_cost" validate:"gt=0"`
}

// ConsumeRequest is the body for POST /v1/credits/consume.
type ConsumeRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Amount int    `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"required,reason"`
}

// ConsumeResponse reports the decision and, when credits were drawn, the
// ledger transaction that recorded the debit.
type ConsumeResponse struct {
	Decision    types.EntitlementDecision `json:"decision"`
	Transaction *types.CreditTransaction  `json:"transaction,omitempty"`
}

// BalanceResponse is the body for GET /v1/credits/{userID}.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
}

// EntitlementHandler serves entitlement decisions and the credit ledger
// read/consume surface.
type EntitlementHandler struct {
	snapshots SnapshotReader
	evaluator DecisionEvaluator
	ledger    CreditLedger
	metrics   billing.Recorder
	validator *core.Validator
	logger    *slog.Logger
}

func NewEntitlementHandler(
	snapshots SnapshotReader,
	evaluator DecisionEvaluator,
	ledger CreditLedger,
	metrics billing.Recorder,
	v *core.Validator,
	l *slog.Logger,
) *EntitlementHandler {
	if metrics == nil {
		metrics = billing.NopRecorder{}
	}
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementHandler{
		snapshots: snapshots,
		evaluator: evaluator,
		ledger:    ledger,
		metrics:   metrics,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the entitlement and credit endpoints.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Post("/entitlements/evaluate", h.Evaluate)
	r.Post("/credits/consume", h.Consume)
	r.Get("/credits/{userID}", h.GetBalance)
	r.Get("/credits/{userID}/transactions", h.ListTransactions)
}

// Evaluate handles POST /v1/entitlements/evaluate. The decision is advisory:
// nothing is debited, and a denial is a 200 with allowed=false rather than
// an error.
func (h *EntitlementHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	snapshot, err := h.snapshots.GetSnapshot(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.evaluator.Evaluate(snapshot, req.FeatureCost)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.metrics.RecordDecision(r.Context(), decision)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// Consume handles POST /v1/credits/consume: evaluate, then debit when the
// decision draws on credits. The ledger re-checks the balance atomically, so
// a concurrent debit between evaluate and debit still cannot overdraw.
func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	snapshot, err := h.snapshots.GetSnapshot(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.evaluator.Evaluate(snapshot, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.metrics.RecordDecision(r.Context(), decision)

	resp := ConsumeResponse{Decision: decision}

	if decision.Allowed && decision.ChargeCredits > 0 {
		tx, err := h.ledger.Debit(r.Context(), req.UserID, decision.ChargeCredits, types.TransactionReason(req.Reason))
		if err != nil {
			core.Error(w, r, err)
			return
		}
		resp.Transaction = tx
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// GetBalance handles GET /v1/credits/{userID}.
func (h *EntitlementHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"userID path parameter is required",
			nil,
		))
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: BalanceResponse{UserID: userID, Credits: balance},
	})
}

// ListTransactions handles GET /v1/credits/{userID}/transactions with
// cursor pagination via limit and cursor query parameters.
func (h *EntitlementHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"userID path parameter is required",
			nil,
		))
		return
	}

	params := types.ListTransactionsParams{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"limit must be a positive integer",
				err,
			))
			return
		}
		params.Limit = limit
	}

	transactions, page, err := h.ledger.History(r.Context(), userID, params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: transactions,
		Meta: &types.ResponseMeta{Pagination: &page},
	})
}
