package billing

import (
	"fmt"

	"entitlements/internal/types"
)

// Evaluator decides, for a given account snapshot and feature cost, whether
// a metered action is permitted and which budget it draws from. It has no
// side effects: the decision is advisory, and the ledger re-verifies
// sufficiency atomically at debit time.
type Evaluator struct {
	catalog *Catalog
}

// NewEvaluator creates an Evaluator backed by the given plan catalog.
func NewEvaluator(catalog *Catalog) *Evaluator {
	return &Evaluator{catalog: catalog}
}

// Evaluate applies the entitlement rules in order:
//
//  1. An entitled subscription on a subscription-effect plan allows the
//     action with the cost absorbed by the subscription (no debit).
//  2. A credit balance covering the cost allows the action; the caller must
//     debit featureCost credits after performing the work.
//  3. Otherwise the action is denied with insufficient_credits.
//
// featureCost must be positive; a non-positive cost is a programmer error.
func (e *Evaluator) Evaluate(user types.AccountSnapshot, featureCost int) (types.EntitlementDecision, error) {
	if featureCost <= 0 {
		return types.EntitlementDecision{}, types.NewAppError(
			types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("feature cost must be positive, got %d", featureCost),
			nil,
		)
	}

	if statusEntitled(user.SubscriptionStatus) &&
		user.SubscriptionPlanID != "" &&
		e.catalog.IsSubscriptionPlan(user.SubscriptionPlanID) {
		return types.EntitlementDecision{
			Allowed: true,
			Source:  types.SourceSubscription,
		}, nil
	}

	if user.Credits >= featureCost {
		return types.EntitlementDecision{
			Allowed:       true,
			Source:        types.SourceCredits,
			ChargeCredits: featureCost,
		}, nil
	}

	return types.EntitlementDecision{
		Allowed: false,
		Reason:  types.DenialInsufficientCredits,
	}, nil
}

// statusEntitled reports whether the subscription status grants unlimited
// use. The status value itself governs: cancel_at_period_end remains
// entitled until the period-end transition moves it to deleted. No clock
// comparison against the period end is performed here.
func statusEntitled(status types.SubscriptionStatus) bool {
	return status == types.SubStatusActive || status == types.SubStatusCancelAtPeriodEnd
}
