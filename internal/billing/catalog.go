// Package billing contains the subscription and credits domain logic for the
// entitlement engine: the plan catalog, the entitlement evaluator, the credit
// ledger, the subscription lifecycle state machine, and the proration
// calculator. Everything in this package is plain functions and methods with
// no framework-coupled calling convention so it is unit-testable in isolation.
package billing

import (
	"fmt"

	"entitlements/internal/types"
)

// creditPackAmounts defines the fixed credit grant for each credit-pack plan.
// These values are part of the product definition, not configuration.
var creditPackAmounts = map[types.PlanID]int{
	types.PlanCredits10:  10,
	types.PlanCredits50:  50,
	types.PlanCredits100: 100,
}

// subscriptionPlans is the set of recurring plans. Membership here is what
// makes a plan grant unlimited metered use while the subscription is active.
var subscriptionPlans = map[types.PlanID]struct{}{
	types.PlanBasic:        {},
	types.PlanProfessional: {},
	types.PlanEnterprise:   {},
}

// Catalog is the immutable plan registry. It is constructed once at startup
// from the processor-reference configuration and never mutated afterward.
// Every PlanID in the closed enumeration has exactly one definition; the
// effect kind of a plan is fixed and never changes at runtime.
type Catalog struct {
	plans map[types.PlanID]types.PlanDefinition
}

// NewCatalog builds the catalog from a PlanID -> processor price reference
// mapping. Missing or empty references are allowed: the plan still exists in
// the catalog but checkout for it is unavailable until the operator
// configures a mapping.
func NewCatalog(processorRefs map[types.PlanID]string) *Catalog {
	plans := make(map[types.PlanID]types.PlanDefinition, len(types.AllPlanIDs))
	for _, id := range types.AllPlanIDs {
		def := types.PlanDefinition{
			ID:               id,
			ProcessorPlanRef: processorRefs[id],
		}
		if amount, ok := creditPackAmounts[id]; ok {
			def.Effect = types.CreditsEffect{Amount: amount}
		} else {
			def.Effect = types.SubscriptionEffect{}
		}
		plans[id] = def
	}
	return &Catalog{plans: plans}
}

// Lookup returns the definition for the given plan ID.
// Fails with plan_unknown for anything outside the fixed enumeration; that is
// a programmer or configuration error, not a user-facing condition.
func (c *Catalog) Lookup(id types.PlanID) (types.PlanDefinition, error) {
	def, ok := c.plans[id]
	if !ok {
		return types.PlanDefinition{}, types.NewAppError(
			types.ErrCodePlanUnknown,
			fmt.Sprintf("plan %q is not in the catalog", id),
			nil,
		)
	}
	return def, nil
}

// IsSubscriptionPlan reports whether the plan grants unlimited use while the
// subscription is active. Unknown plans report false.
func (c *Catalog) IsSubscriptionPlan(id types.PlanID) bool {
	def, ok := c.plans[id]
	if !ok {
		return false
	}
	_, isSub := def.Effect.(types.SubscriptionEffect)
	return isSub
}

// IsCreditsPlan reports whether the plan grants a one-time credit pack.
// Unknown plans report false.
func (c *Catalog) IsCreditsPlan(id types.PlanID) bool {
	def, ok := c.plans[id]
	if !ok {
		return false
	}
	_, isCredits := def.Effect.(types.CreditsEffect)
	return isCredits
}

// CreditsGranted returns the credit amount a credits-effect plan grants at
// purchase. Returns 0 for subscription plans and unknown plans.
func (c *Catalog) CreditsGranted(id types.PlanID) int {
	def, ok := c.plans[id]
	if !ok {
		return 0
	}
	if effect, isCredits := def.Effect.(types.CreditsEffect); isCredits {
		return effect.Amount
	}
	return 0
}

// ProcessorPlanRef resolves the billing-processor price reference for the
// plan. An empty string means the operator has not configured a mapping and
// checkout is unavailable for this plan; callers must not treat that as a
// data error.
func (c *Catalog) ProcessorPlanRef(id types.PlanID) string {
	return c.plans[id].ProcessorPlanRef
}

// PlanByProcessorRef resolves a processor price reference back to its plan
// definition. Used by the webhook handler to classify inbound events.
// Unconfigured (empty) references never match.
func (c *Catalog) PlanByProcessorRef(ref string) (types.PlanDefinition, bool) {
	if ref == "" {
		return types.PlanDefinition{}, false
	}
	for _, def := range c.plans {
		if def.ProcessorPlanRef == ref {
			return def, true
		}
	}
	return types.PlanDefinition{}, false
}

// Plans returns all plan definitions in enumeration order.
// Used by the plan-listing endpoint and the config check tool.
func (c *Catalog) Plans() []types.PlanDefinition {
	out := make([]types.PlanDefinition, 0, len(types.AllPlanIDs))
	for _, id := range types.AllPlanIDs {
		out = append(out, c.plans[id])
	}
	return out
}
