// This file implements the Stripe webhook handler. It is mounted outside
// the /v1 group and is unauthenticated; security comes from verifying the
// Stripe-Signature header against the webhook signing secret.
//
// The handler translates raw Stripe payloads into typed BillingEvents for
// the lifecycle service. Credit-pack checkouts never touch the lifecycle:
// they are fulfilled directly against the ledger.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entitlements/internal/billing"
	"entitlements/internal/core"
	"entitlements/internal/external"
	"entitlements/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// EventApplier applies a translated billing event. The lifecycle service
// implements it.
type EventApplier interface {
	HandleEvent(ctx context.Context, ev types.BillingEvent) error
}

// CreditGranter fulfills purchased credit packs.
type CreditGranter interface {
	Grant(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error)
}

// GrantNotifier publishes credit-grant messages for downstream receipts.
type GrantNotifier interface {
	PublishCreditGrant(ctx context.Context, msg types.CreditGrantMessage) error
}

// CustomerResolver maps a processor customer ID back to a user when the
// event payload carries no explicit user reference.
type CustomerResolver interface {
	GetUserIDByProcessorCustomer(ctx context.Context, customerID string) (string, error)
}

// StripeWebhookHandler handles asynchronous events from Stripe.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	lifecycle EventApplier
	ledger    CreditGranter
	notifier  GrantNotifier
	users     CustomerResolver
	catalog   *billing.Catalog
	secret    string
	logger    *slog.Logger
}

func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	lifecycle EventApplier,
	ledger CreditGranter,
	notifier GrantNotifier,
	users CustomerResolver,
	catalog *billing.Catalog,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		lifecycle: lifecycle,
		ledger:    ledger,
		notifier:  notifier,
		users:     users,
		catalog:   catalog,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the /v1
// registrars because the route is public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one Stripe webhook delivery.
//
// Verification failures return 401 so Stripe surfaces a misconfigured
// secret. After the signature checks out, processing failures are logged
// and acknowledged with 200 anyway: Stripe retries on non-2xx, and the
// optimistic lock in the lifecycle makes redelivery safe, so retry loops
// on permanently bad events are the only thing a 5xx would buy.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case external.EventStripeSubUpdated:
		return h.handleSubscriptionUpdated(ctx, event)

	case external.EventStripeSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	case external.EventStripeInvoicePaid:
		return h.handleInvoicePaid(ctx, event)

	case external.EventStripePaymentFailed:
		return h.handlePaymentFailed(ctx, event)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted fulfills a completed checkout. Credit packs are
// granted on the ledger; subscription plans become a checkout_completed
// lifecycle event.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	var session stripeCheckoutObj
	if err := event.unmarshalObject(&session); err != nil {
		return fmt.Errorf("checkout.session.completed: %w", err)
	}

	userID, err := h.resolveUserID(ctx, session.ClientReferenceID, session.Metadata, session.Customer)
	if err != nil {
		return fmt.Errorf("checkout.session.completed event %s: %w", event.ID, err)
	}

	planID := types.PlanID(session.Metadata["plan_id"])
	if _, err := h.catalog.Lookup(planID); err != nil {
		return fmt.Errorf("checkout.session.completed event %s: %w", event.ID, err)
	}

	if h.catalog.IsCreditsPlan(planID) {
		return h.fulfillCreditPack(ctx, event, userID, planID)
	}

	return h.lifecycle.HandleEvent(ctx, types.BillingEvent{
		EventID:        event.ID,
		Type:           types.EventCheckoutCompleted,
		SubscriptionID: session.Subscription,
		UserID:         userID,
		PlanID:         planID,
		OccurredAt:     event.eventTimestamp(),
	})
}

// fulfillCreditPack grants the purchased credits and publishes the receipt
// message. A publish failure is logged but does not fail the grant, which
// is already durable.
func (h *StripeWebhookHandler) fulfillCreditPack(ctx context.Context, event *stripeWebhookEvent, userID string, planID types.PlanID) error {
	amount := h.catalog.CreditsGranted(planID)

	tx, err := h.ledger.Grant(ctx, userID, amount, types.ReasonPurchase)
	if err != nil {
		return fmt.Errorf("granting credit pack %s: %w", planID, err)
	}

	h.logger.InfoContext(ctx, "credit pack fulfilled",
		"event_id", event.ID,
		"user_id", userID,
		"plan_id", planID,
		"credits_granted", amount,
		"resulting_balance", tx.ResultingBalance,
	)

	if h.notifier != nil {
		msg := types.CreditGrantMessage{
			UserID:           userID,
			PlanID:           planID,
			CreditsGranted:   amount,
			ResultingBalance: tx.ResultingBalance,
			TransactionID:    tx.ID,
			OccurredAt:       event.eventTimestamp(),
			TraceID:          event.ID,
		}
		if err := h.notifier.PublishCreditGrant(ctx, msg); err != nil {
			h.logger.WarnContext(ctx, "credit grant notification failed",
				"event_id", event.ID,
				"user_id", userID,
				"error", err,
			)
		}
	}

	return nil
}

// handleSubscriptionUpdated translates a subscription update into the
// matching lifecycle event. The ordering is significant: a pending cancel
// always wins, then delinquency, then the active state. An active status on
// its own says nothing: previous_attributes decides whether it is a cancel
// being undone, a delinquency clearing, or an unrelated field change that
// needs no lifecycle event at all. Recovery from a paid invoice rides
// invoice.paid, so the past_due path here only covers updates Stripe sends
// without one.
func (h *StripeWebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *stripeWebhookEvent) error {
	sub, userID, err := h.parseSubscription(ctx, event)
	if err != nil {
		return fmt.Errorf("customer.subscription.updated event %s: %w", event.ID, err)
	}

	var eventType types.BillingEventType
	switch {
	case sub.CancelAtPeriodEnd:
		eventType = types.EventCancelRequested
	case sub.Status == "past_due" || sub.Status == "unpaid":
		eventType = types.EventPaymentFailed
	case sub.Status == "active":
		prev, err := event.previousSubscriptionAttributes()
		if err != nil {
			return fmt.Errorf("customer.subscription.updated event %s: %w", event.ID, err)
		}
		switch {
		case prev.CancelAtPeriodEnd != nil && *prev.CancelAtPeriodEnd:
			eventType = types.EventReactivated
		case prev.Status != nil && (*prev.Status == "past_due" || *prev.Status == "unpaid"):
			eventType = types.EventPaymentRecovered
		default:
			h.logger.InfoContext(ctx, "ignoring subscription update without a state transition",
				"event_id", event.ID,
				"stripe_status", sub.Status,
			)
			return nil
		}
	default:
		h.logger.InfoContext(ctx, "ignoring subscription update with unmapped status",
			"event_id", event.ID,
			"stripe_status", sub.Status,
		)
		return nil
	}

	return h.lifecycle.HandleEvent(ctx, types.BillingEvent{
		EventID:        event.ID,
		Type:           eventType,
		SubscriptionID: sub.ID,
		UserID:         userID,
		PlanID:         h.resolvePlan(sub),
		PeriodStart:    unixTime(sub.CurrentPeriodStart),
		PeriodEnd:      unixTime(sub.CurrentPeriodEnd),
		OccurredAt:     event.eventTimestamp(),
	})
}

// handleSubscriptionDeleted ends the subscription.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	sub, userID, err := h.parseSubscription(ctx, event)
	if err != nil {
		return fmt.Errorf("customer.subscription.deleted event %s: %w", event.ID, err)
	}

	return h.lifecycle.HandleEvent(ctx, types.BillingEvent{
		EventID:        event.ID,
		Type:           types.EventPeriodEnded,
		SubscriptionID: sub.ID,
		UserID:         userID,
		PlanID:         h.resolvePlan(sub),
		OccurredAt:     event.eventTimestamp(),
	})
}

// handleInvoicePaid recovers a delinquent subscription. Renewal invoices on
// an already-active subscription resolve to a no-op in the lifecycle.
func (h *StripeWebhookHandler) handleInvoicePaid(ctx context.Context, event *stripeWebhookEvent) error {
	invoice, userID, err := h.parseInvoice(ctx, event)
	if err != nil {
		return fmt.Errorf("invoice.paid event %s: %w", event.ID, err)
	}
	if invoice.Subscription == "" {
		// One-time payments (credit packs) are fulfilled from checkout
		// completion, not invoices.
		return nil
	}

	return h.lifecycle.HandleEvent(ctx, types.BillingEvent{
		EventID:        event.ID,
		Type:           types.EventPaymentRecovered,
		SubscriptionID: invoice.Subscription,
		UserID:         userID,
		OccurredAt:     event.eventTimestamp(),
	})
}

// handlePaymentFailed marks the subscription delinquent.
func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *stripeWebhookEvent) error {
	invoice, userID, err := h.parseInvoice(ctx, event)
	if err != nil {
		return fmt.Errorf("invoice.payment_failed event %s: %w", event.ID, err)
	}
	if invoice.Subscription == "" {
		return nil
	}

	h.logger.WarnContext(ctx, "subscription payment failed",
		"event_id", event.ID,
		"user_id", userID,
		"subscription_id", invoice.Subscription,
	)

	return h.lifecycle.HandleEvent(ctx, types.BillingEvent{
		EventID:        event.ID,
		Type:           types.EventPaymentFailed,
		SubscriptionID: invoice.Subscription,
		UserID:         userID,
		OccurredAt:     event.eventTimestamp(),
	})
}

func (h *StripeWebhookHandler) parseSubscription(ctx context.Context, event *stripeWebhookEvent) (*stripeSubscriptionObj, string, error) {
	var sub stripeSubscriptionObj
	if err := event.unmarshalObject(&sub); err != nil {
		return nil, "", err
	}

	userID, err := h.resolveUserID(ctx, "", sub.Metadata, sub.Customer)
	if err != nil {
		return nil, "", err
	}
	return &sub, userID, nil
}

func (h *StripeWebhookHandler) parseInvoice(ctx context.Context, event *stripeWebhookEvent) (*stripeInvoiceObj, string, error) {
	var invoice stripeInvoiceObj
	if err := event.unmarshalObject(&invoice); err != nil {
		return nil, "", err
	}

	metadata := invoice.Metadata
	if invoice.SubscriptionDetails != nil && metadata["user_id"] == "" {
		metadata = invoice.SubscriptionDetails.Metadata
	}

	userID, err := h.resolveUserID(ctx, "", metadata, invoice.Customer)
	if err != nil {
		return nil, "", err
	}
	return &invoice, userID, nil
}

// resolveUserID finds the engine's user from the places Stripe carries it:
// client_reference_id on checkout sessions, metadata user_id stamped at
// session creation, or the stored customer mapping as a last resort.
func (h *StripeWebhookHandler) resolveUserID(ctx context.Context, clientReferenceID string, metadata map[string]string, customerID string) (string, error) {
	if clientReferenceID != "" {
		return clientReferenceID, nil
	}
	if id := metadata["user_id"]; id != "" {
		return id, nil
	}
	if customerID != "" && h.users != nil {
		return h.users.GetUserIDByProcessorCustomer(ctx, customerID)
	}
	return "", fmt.Errorf("no user reference in event payload")
}

// resolvePlan prefers the price reference on the subscription item, falling
// back to metadata plan_id. An empty result is acceptable for events whose
// transitions do not change the plan.
func (h *StripeWebhookHandler) resolvePlan(sub *stripeSubscriptionObj) types.PlanID {
	for _, item := range sub.Items.Data {
		if def, ok := h.catalog.PlanByProcessorRef(item.Price.ID); ok {
			return def.ID
		}
	}
	return types.PlanID(sub.Metadata["plan_id"])
}

// --- Stripe event parsing ---
//
// Minimal structs tailored to the fields the engine needs. The full
// stripe.Event type is avoided to keep parsing explicit and testable.

type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type stripeEventData struct {
	Object             json.RawMessage `json:"object"`
	PreviousAttributes json.RawMessage `json:"previous_attributes"`
}

// unmarshalObject decodes data.object into dst.
func (e *stripeWebhookEvent) unmarshalObject(dst any) error {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("decoding event data: %w", err)
	}
	if err := json.Unmarshal(data.Object, dst); err != nil {
		return fmt.Errorf("decoding event object: %w", err)
	}
	return nil
}

// stripeSubPrevious holds the data.previous_attributes fields that matter
// for classifying an update. Pointers distinguish "unchanged" from a real
// prior value.
type stripeSubPrevious struct {
	Status            *string `json:"status"`
	CancelAtPeriodEnd *bool   `json:"cancel_at_period_end"`
}

func (e *stripeWebhookEvent) previousSubscriptionAttributes() (stripeSubPrevious, error) {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return stripeSubPrevious{}, fmt.Errorf("decoding event data: %w", err)
	}
	if len(data.PreviousAttributes) == 0 {
		return stripeSubPrevious{}, nil
	}
	var prev stripeSubPrevious
	if err := json.Unmarshal(data.PreviousAttributes, &prev); err != nil {
		return stripeSubPrevious{}, fmt.Errorf("decoding previous_attributes: %w", err)
	}
	return prev, nil
}

func (e *stripeWebhookEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

type stripeCheckoutObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

type stripeInvoiceObj struct {
	Customer            string            `json:"customer"`
	Subscription        string            `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
}

type stripeSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}

// unixTime converts a Stripe epoch-seconds field, leaving zero as the zero
// time so the repos can treat it as absent.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
