package types

// PlanID identifies a purchasable offering, either a recurring subscription
// tier or a one-time credit pack.
type PlanID string

const (
	PlanBasic        PlanID = "basic"
	PlanProfessional PlanID = "professional"
	PlanEnterprise   PlanID = "enterprise"
	PlanCredits10    PlanID = "credits_10"
	PlanCredits50    PlanID = "credits_50"
	PlanCredits100   PlanID = "credits_100"
)

// AllPlanIDs is the closed enumeration of valid plan identifiers.
// The catalog is defined over exactly this set; anything else is plan_unknown.
var AllPlanIDs = []PlanID{
	PlanBasic,
	PlanProfessional,
	PlanEnterprise,
	PlanCredits10,
	PlanCredits50,
	PlanCredits100,
}

// SubscriptionStatus represents the state of a user's subscription.
// Deleted is terminal: no transitions lead out of it except a fresh checkout.
type SubscriptionStatus string

const (
	SubStatusNone              SubscriptionStatus = "none"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCancelAtPeriodEnd SubscriptionStatus = "cancel_at_period_end"
	SubStatusDeleted           SubscriptionStatus = "deleted"
)

// BillingEventType identifies the kind of billing-processor event driving a
// subscription lifecycle transition. Raw processor webhooks are translated
// into these by the webhook handler before they reach the lifecycle service.
type BillingEventType string

const (
	EventCheckoutCompleted BillingEventType = "checkout_completed"
	EventPaymentFailed     BillingEventType = "payment_failed"
	EventPaymentRecovered  BillingEventType = "payment_recovered"
	EventCancelRequested   BillingEventType = "cancel_requested"
	EventReactivated       BillingEventType = "reactivated"
	EventPeriodEnded       BillingEventType = "period_ended"
)

// TransactionReason tags a ledger mutation with why it happened.
// Feature tags are used for debits; purchase and subscription-grant for grants.
type TransactionReason string

const (
	ReasonCoverLetter   TransactionReason = "cover_letter"
	ReasonMockInterview TransactionReason = "mock_interview"
	ReasonLinkedInPost  TransactionReason = "linkedin_post"
	ReasonResumeReview  TransactionReason = "resume_review"
	ReasonPurchase      TransactionReason = "purchase"
	ReasonAdjustment    TransactionReason = "manual_adjustment"
)

// EntitlementSource records which budget an allowed action draws from.
type EntitlementSource string

const (
	SourceSubscription EntitlementSource = "subscription"
	SourceCredits      EntitlementSource = "credits"
)

// DenialReason explains a denied entitlement decision. Denials are ordinary
// outcomes surfaced to the user as an upsell prompt, not errors.
type DenialReason string

const (
	DenialInsufficientCredits DenialReason = "insufficient_credits"
)
