// This file implements the billing action handlers: plan listing, checkout
// and portal session creation, proration preview, and plan changes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"entitlements/internal/billing"
	"entitlements/internal/config"
	"entitlements/internal/core"
	"entitlements/internal/types"
)

// PaymentService abstracts the billing processor operations the handler
// initiates. The external Stripe client implements it.
type PaymentService interface {
	// EnsureCustomer guarantees a processor customer exists for the user
	// before checkout. Idempotent.
	EnsureCustomer(ctx context.Context, userID string) (string, error)

	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanID, urls types.RedirectURLs) (checkoutURL, sessionID string, err error)

	CreatePortalSession(ctx context.Context, userID string, returnURL string) (string, error)
}

// PlanChanger re-points an active subscription at a new plan, returning the
// proration amount in cents.
type PlanChanger interface {
	ChangePlan(ctx context.Context, subscriptionID string, newPlan types.PlanID, daysRemaining int) (int64, error)
}

// Prorator previews the mid-cycle cost of a plan switch.
type Prorator interface {
	Prorate(currentPlan, newPlan types.PlanID, daysRemaining int) (int64, error)
}

// CreateCheckoutRequest is the body for POST /v1/billing/checkout-session.
//
// Redirect URLs are constructed server-side from the configured dashboard
// URL; accepting them from the client would be an open redirect.
type CreateCheckoutRequest struct {
	UserID string `json:"user_id" validate:"required"`
	PlanID string `json:"plan_id" validate:"required,planid"`
}

// CheckoutResponse is the body for POST /v1/billing/checkout-session.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// CreatePortalRequest is the body for POST /v1/billing/portal-session.
type CreatePortalRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// PortalResponse is the body for POST /v1/billing/portal-session.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// ChangePlanRequest is the body for POST /v1/billing/plan-change.
type ChangePlanRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	NewPlanID      string `json:"new_plan_id" validate:"required,planid"`
	DaysRemaining  int    `json:"days_remaining" validate:"gte=0,lte=30"`
}

// ProrationPreviewRequest is the body for POST /v1/billing/proration-preview.
type ProrationPreviewRequest struct {
	CurrentPlanID string `json:"current_plan_id" validate:"required,planid"`
	NewPlanID     string `json:"new_plan_id" validate:"required,planid"`
	DaysRemaining int    `json:"days_remaining" validate:"gte=0,lte=30"`
}

// ProrationResponse reports a proration amount. Positive means an immediate
// charge, negative a credit back to the customer.
type ProrationResponse struct {
	ProrationCents int64 `json:"proration_cents"`
}

// PlanResponse is one entry of GET /v1/plans.
type PlanResponse struct {
	ID                string `json:"id"`
	Kind              string `json:"kind"`
	CreditsGranted    int    `json:"credits_granted,omitempty"`
	CheckoutAvailable bool   `json:"checkout_available"`
}

// BillingHandler handles synchronous billing actions initiated by the user.
type BillingHandler struct {
	payments     PaymentService
	planChanger  PlanChanger
	prorator     Prorator
	catalog      *billing.Catalog
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

func NewBillingHandler(
	payments PaymentService,
	planChanger PlanChanger,
	prorator Prorator,
	catalog *billing.Catalog,
	cfg *config.Config,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}

	dashboardURL := ""
	if cfg != nil {
		dashboardURL = cfg.Server.DashboardURL
	}

	return &BillingHandler{
		payments:     payments,
		planChanger:  planChanger,
		prorator:     prorator,
		catalog:      catalog,
		validator:    v,
		dashboardURL: dashboardURL,
		logger:       l,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
	r.Post("/billing/checkout-session", h.CreateCheckoutSession)
	r.Post("/billing/portal-session", h.CreatePortalSession)
	r.Post("/billing/plan-change", h.ChangePlan)
	r.Post("/billing/proration-preview", h.ProrationPreview)
}

// ListPlans handles GET /v1/plans. The catalog is static per process, so the
// response is assembled on every call without caching concerns.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.Plans()
	plans := make([]PlanResponse, 0, len(defs))
	for _, def := range defs {
		entry := PlanResponse{
			ID:                string(def.ID),
			CheckoutAvailable: def.ProcessorPlanRef != "",
		}
		switch effect := def.Effect.(type) {
		case types.CreditsEffect:
			entry.Kind = "credits"
			entry.CreditsGranted = effect.Amount
		default:
			entry.Kind = "subscription"
		}
		plans = append(plans, entry)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
//
// The processor customer is ensured first so retried checkouts reuse the
// same customer record. Success and cancel URLs always point back at the
// configured dashboard.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.payments.EnsureCustomer(r.Context(), req.UserID); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to ensure processor customer",
			"user_id", req.UserID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	urls := types.RedirectURLs{
		Success: h.dashboardURL + "/billing?success=true",
		Cancel:  h.dashboardURL + "/billing?canceled=true",
	}

	checkoutURL, sessionID, err := h.payments.CreateCheckoutSession(
		r.Context(), req.UserID, types.PlanID(req.PlanID), urls,
	)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", req.UserID,
			"plan_id", req.PlanID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", req.UserID,
		"plan_id", req.PlanID,
		"session_id", sessionID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: CheckoutResponse{CheckoutURL: checkoutURL, SessionID: sessionID},
	})
}

// CreatePortalSession handles POST /v1/billing/portal-session.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req CreatePortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	portalURL, err := h.payments.CreatePortalSession(r.Context(), req.UserID, h.dashboardURL+"/billing")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			"user_id", req.UserID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: PortalResponse{PortalURL: portalURL},
	})
}

// ChangePlan handles POST /v1/billing/plan-change. The lifecycle service
// enforces that the subscription is active and the target is a subscription
// plan; the handler only shapes the request and response.
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	prorationCents, err := h.planChanger.ChangePlan(
		r.Context(), req.SubscriptionID, types.PlanID(req.NewPlanID), req.DaysRemaining,
	)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "plan changed",
		"subscription_id", req.SubscriptionID,
		"new_plan_id", req.NewPlanID,
		"proration_cents", prorationCents,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: ProrationResponse{ProrationCents: prorationCents},
	})
}

// ProrationPreview handles POST /v1/billing/proration-preview. It computes
// the same amount a plan change would charge without applying anything.
func (h *BillingHandler) ProrationPreview(w http.ResponseWriter, r *http.Request) {
	var req ProrationPreviewRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	prorationCents, err := h.prorator.Prorate(
		types.PlanID(req.CurrentPlanID), types.PlanID(req.NewPlanID), req.DaysRemaining,
	)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: ProrationResponse{ProrationCents: prorationCents},
	})
}
