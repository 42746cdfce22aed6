package types

import "time"

// StateChangeMessage is the SQS payload published whenever a subscription
// lifecycle transition is applied. Downstream collaborators (email worker,
// dashboard refresh) consume it; this engine only produces it.
// JSON tags use snake_case to match the rest of the wire surface.
type StateChangeMessage struct {
	UserID         string             `json:"user_id"`
	SubscriptionID string             `json:"subscription_id"`
	PlanID         PlanID             `json:"plan_id,omitempty"`
	FromStatus     SubscriptionStatus `json:"from_status"`
	ToStatus       SubscriptionStatus `json:"to_status"`
	EventID        string             `json:"event_id"`
	OccurredAt     time.Time          `json:"occurred_at"`

	// TraceID correlates the message with the webhook request that caused it.
	TraceID string `json:"trace_id"`
}

// CreditGrantMessage is published when a purchased credit pack is fulfilled,
// so downstream collaborators can send a receipt email.
type CreditGrantMessage struct {
	UserID           string    `json:"user_id"`
	PlanID           PlanID    `json:"plan_id"`
	CreditsGranted   int       `json:"credits_granted"`
	ResultingBalance int       `json:"resulting_balance"`
	TransactionID    string    `json:"transaction_id"`
	OccurredAt       time.Time `json:"occurred_at"`
	TraceID          string    `json:"trace_id"`
}
