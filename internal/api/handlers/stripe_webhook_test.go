package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"entitlements/internal/types"
)

type stubVerifier struct {
	err error
}

func (v *stubVerifier) Verify(payload []byte, header string, secret string) error {
	return v.err
}

type mockEventApplier struct {
	mock.Mock
}

func (m *mockEventApplier) HandleEvent(ctx context.Context, ev types.BillingEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type mockCreditGranter struct {
	mock.Mock
}

func (m *mockCreditGranter) Grant(ctx context.Context, userID string, amount int, reason types.TransactionReason) (*types.CreditTransaction, error) {
	args := m.Called(ctx, userID, amount, reason)
	if tx := args.Get(0); tx != nil {
		return tx.(*types.CreditTransaction), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockGrantNotifier struct {
	mock.Mock
}

func (m *mockGrantNotifier) PublishCreditGrant(ctx context.Context, msg types.CreditGrantMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockCustomerResolver struct {
	mock.Mock
}

func (m *mockCustomerResolver) GetUserIDByProcessorCustomer(ctx context.Context, customerID string) (string, error) {
	args := m.Called(ctx, customerID)
	return args.String(0), args.Error(1)
}

type webhookFixture struct {
	router    *chi.Mux
	verifier  *stubVerifier
	lifecycle *mockEventApplier
	ledger    *mockCreditGranter
	notifier  *mockGrantNotifier
	users     *mockCustomerResolver
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		verifier:  &stubVerifier{},
		lifecycle: &mockEventApplier{},
		ledger:    &mockCreditGranter{},
		notifier:  &mockGrantNotifier{},
		users:     &mockCustomerResolver{},
	}

	h := NewStripeWebhookHandler(
		f.verifier,
		f.lifecycle,
		f.ledger,
		f.notifier,
		f.users,
		handlerTestCatalog(),
		"whsec_test",
		nil,
	)
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *webhookFixture) deliver(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	f.router.ServeHTTP(w, req)
	return w
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newWebhookFixture()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "auth_signature_missing")
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newWebhookFixture()
	f.verifier.err = errors.New("signature mismatch")

	w := f.deliver(t, `{"id":"evt_1","type":"invoice.paid"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "auth_signature_invalid")
}

func TestWebhookCheckoutCompletedSubscription(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, types.BillingEvent{
		EventID:        "evt_1",
		Type:           types.EventCheckoutCompleted,
		SubscriptionID: "sub_1",
		UserID:         "u1",
		PlanID:         types.PlanProfessional,
		OccurredAt:     time.Unix(1700000000, 0).UTC(),
	}).Return(nil)

	body := `{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"client_reference_id": "u1",
			"customer": "cus_1",
			"subscription": "sub_1",
			"mode": "subscription",
			"metadata": {"user_id": "u1", "plan_id": "professional"}
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookCheckoutCompletedCreditPack(t *testing.T) {
	f := newWebhookFixture()

	f.ledger.On("Grant", mock.Anything, "u1", 50, types.ReasonPurchase).Return(&types.CreditTransaction{
		ID:               "tx_9",
		UserID:           "u1",
		Delta:            50,
		Reason:           types.ReasonPurchase,
		ResultingBalance: 53,
	}, nil)
	f.notifier.On("PublishCreditGrant", mock.Anything, mock.MatchedBy(func(msg types.CreditGrantMessage) bool {
		return msg.UserID == "u1" &&
			msg.PlanID == types.PlanCredits50 &&
			msg.CreditsGranted == 50 &&
			msg.ResultingBalance == 53 &&
			msg.TransactionID == "tx_9" &&
			msg.TraceID == "evt_2"
	})).Return(nil)

	body := `{
		"id": "evt_2",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"client_reference_id": "u1",
			"mode": "payment",
			"metadata": {"user_id": "u1", "plan_id": "credits_50"}
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.ledger.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
	f.lifecycle.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}

func TestWebhookSubscriptionUpdatedCancelRequested(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventCancelRequested &&
			ev.SubscriptionID == "sub_1" &&
			ev.UserID == "u1" &&
			ev.PlanID == types.PlanBasic
	})).Return(nil)

	body := `{
		"id": "evt_3",
		"type": "customer.subscription.updated",
		"created": 1700000100,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"metadata": {"user_id": "u1"},
			"items": {"data": [{"price": {"id": "price_basic_123"}}]}
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookSubscriptionUpdatedReactivated(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventReactivated && ev.SubscriptionID == "sub_1"
	})).Return(nil)

	body := `{
		"id": "evt_4",
		"type": "customer.subscription.updated",
		"created": 1700000200,
		"data": {
			"object": {
				"id": "sub_1",
				"status": "active",
				"cancel_at_period_end": false,
				"metadata": {"user_id": "u1"}
			},
			"previous_attributes": {"cancel_at_period_end": true}
		}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookSubscriptionUpdatedPastDueRecovery(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventPaymentRecovered && ev.SubscriptionID == "sub_1"
	})).Return(nil)

	body := `{
		"id": "evt_4a",
		"type": "customer.subscription.updated",
		"created": 1700000200,
		"data": {
			"object": {
				"id": "sub_1",
				"status": "active",
				"cancel_at_period_end": false,
				"metadata": {"user_id": "u1"}
			},
			"previous_attributes": {"status": "past_due"}
		}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookSubscriptionUpdatedNoTransition(t *testing.T) {
	f := newWebhookFixture()

	// An active subscription whose previous_attributes show no state change
	// (a metadata edit, say) must not reach the lifecycle.
	body := `{
		"id": "evt_4b",
		"type": "customer.subscription.updated",
		"created": 1700000200,
		"data": {
			"object": {
				"id": "sub_1",
				"status": "active",
				"cancel_at_period_end": false,
				"metadata": {"user_id": "u1"}
			},
			"previous_attributes": {"metadata": {"user_id": "u1"}}
		}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}

func TestWebhookSubscriptionDeleted(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventPeriodEnded && ev.SubscriptionID == "sub_1"
	})).Return(nil)

	body := `{
		"id": "evt_5",
		"type": "customer.subscription.deleted",
		"created": 1700000300,
		"data": {"object": {
			"id": "sub_1",
			"status": "canceled",
			"metadata": {"user_id": "u1"}
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookPaymentFailed(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventPaymentFailed &&
			ev.SubscriptionID == "sub_1" &&
			ev.UserID == "u1"
	})).Return(nil)

	body := `{
		"id": "evt_6",
		"type": "invoice.payment_failed",
		"created": 1700000400,
		"data": {"object": {
			"customer": "cus_1",
			"subscription": "sub_1",
			"subscription_details": {"metadata": {"user_id": "u1"}}
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookInvoicePaidResolvesUserFromCustomer(t *testing.T) {
	f := newWebhookFixture()

	f.users.On("GetUserIDByProcessorCustomer", mock.Anything, "cus_1").Return("u1", nil)
	f.lifecycle.On("HandleEvent", mock.Anything, mock.MatchedBy(func(ev types.BillingEvent) bool {
		return ev.Type == types.EventPaymentRecovered && ev.UserID == "u1"
	})).Return(nil)

	body := `{
		"id": "evt_7",
		"type": "invoice.paid",
		"created": 1700000500,
		"data": {"object": {
			"customer": "cus_1",
			"subscription": "sub_1"
		}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.users.AssertExpectations(t)
	f.lifecycle.AssertExpectations(t)
}

func TestWebhookInvoicePaidWithoutSubscriptionIgnored(t *testing.T) {
	f := newWebhookFixture()
	f.users.On("GetUserIDByProcessorCustomer", mock.Anything, "cus_1").Return("u1", nil)

	body := `{
		"id": "evt_8",
		"type": "invoice.paid",
		"created": 1700000600,
		"data": {"object": {"customer": "cus_1"}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}

func TestWebhookUnhandledTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture()

	w := f.deliver(t, `{"id":"evt_9","type":"charge.refunded","created":1700000700,"data":{"object":{}}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	f.lifecycle.AssertNotCalled(t, "HandleEvent", mock.Anything, mock.Anything)
}

func TestWebhookProcessingFailureStillAcknowledged(t *testing.T) {
	f := newWebhookFixture()

	f.lifecycle.On("HandleEvent", mock.Anything, mock.Anything).
		Return(fmt.Errorf("db unavailable"))

	body := `{
		"id": "evt_10",
		"type": "customer.subscription.deleted",
		"created": 1700000800,
		"data": {"object": {"id": "sub_1", "metadata": {"user_id": "u1"}}}
	}`

	w := f.deliver(t, body)

	assert.Equal(t, http.StatusOK, w.Code)
}
