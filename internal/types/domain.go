package types

import "time"

// PlanEffect is the sealed tagged union describing what purchasing a plan
// grants: unlimited metered use while the subscription is active, or a fixed
// one-time credit grant. The two cases are mutually exclusive and the effect
// kind of a plan never changes at runtime.
//
// Using a sealed interface (rather than an optional amount field) forces call
// sites to type-switch over both cases.
type PlanEffect interface {
	isPlanEffect()
}

// SubscriptionEffect grants unlimited metered use while the subscription is
// in an entitled status.
type SubscriptionEffect struct{}

func (SubscriptionEffect) isPlanEffect() {}

// CreditsEffect grants a fixed number of credits at purchase time.
// Amount is always positive.
type CreditsEffect struct {
	Amount int
}

func (CreditsEffect) isPlanEffect() {}

// PlanDefinition describes one entry in the plan catalog. Definitions are
// built once at startup and immutable thereafter.
//
// ProcessorPlanRef is the opaque price/plan reference handed to the billing
// processor. It is resolved from configuration and may be empty when the
// operator has not configured a mapping; callers must treat empty as
// "checkout unavailable" rather than an error in the data.
type PlanDefinition struct {
	ID               PlanID
	ProcessorPlanRef string
	Effect           PlanEffect
}

// AccountSnapshot is the read-side view of a user account that the
// entitlement evaluator consumes. The account record itself is owned by the
// account-management collaborator; this engine only reads and mutates the
// subscription and credit fields.
type AccountSnapshot struct {
	UserID             string             `json:"user_id"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	SubscriptionPlanID PlanID             `json:"subscription_plan_id,omitempty"`
	Credits            int                `json:"credits"`
}

// EntitlementDecision is the outcome of evaluating whether a user may perform
// a metered action right now. A denied decision is an ordinary value, not an
// error: it is surfaced to the user as an upsell prompt.
type EntitlementDecision struct {
	Allowed bool              `json:"allowed"`
	Source  EntitlementSource `json:"source,omitempty"`
	Reason  DenialReason      `json:"reason,omitempty"`

	// ChargeCredits is the number of credits the caller must debit after the
	// metered work completes. Zero when the cost is absorbed by an active
	// subscription or when the decision is a denial.
	ChargeCredits int `json:"charge_credits"`
}

// CreditTransaction is the append-only audit record written for every ledger
// mutation. Delta is signed: positive for grants, negative for debits.
// Rows are never updated or deleted.
type CreditTransaction struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	Delta            int               `json:"delta" db:"delta"`
	Reason           TransactionReason `json:"reason" db:"reason"`
	ResultingBalance int               `json:"resulting_balance" db:"resulting_balance"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

// SubscriptionRecord mirrors the billing processor's subscription object.
// It is created on first subscribe, updated on every processor event, and
// never hard-deleted: cancellation moves Status to deleted, which is terminal.
type SubscriptionRecord struct {
	SubscriptionID     string             `json:"subscription_id" db:"subscription_id"`
	UserID             string             `json:"user_id" db:"user_id"`
	PlanID             PlanID             `json:"plan_id" db:"plan_id"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
}

// BillingEvent is the typed, pre-validated form of an inbound billing
// processor webhook. The webhook handler translates raw processor payloads
// into this shape before the lifecycle service sees them.
type BillingEvent struct {
	EventID        string           `json:"event_id"`
	Type           BillingEventType `json:"type"`
	SubscriptionID string           `json:"subscription_id"`
	UserID         string           `json:"user_id"`
	PlanID         PlanID           `json:"plan_id,omitempty"`
	PeriodStart    time.Time        `json:"period_start,omitzero"`
	PeriodEnd      time.Time        `json:"period_end,omitzero"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// RedirectURLs carries the post-checkout browser destinations handed to the
// billing processor when a checkout session is created.
type RedirectURLs struct {
	Success string `json:"success_url"`
	Cancel  string `json:"cancel_url"`
}

// ListTransactionsParams controls pagination for credit transaction history.
type ListTransactionsParams struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

// PageInfo carries cursor pagination state in list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ResponseMeta carries non-blocking metadata returned alongside response data.
type ResponseMeta struct {
	Warnings   []string  `json:"warnings,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
}
