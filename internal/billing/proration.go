package billing

import (
	"fmt"
	"math"

	"entitlements/internal/types"
)

// periodDays is the fixed billing period length used for proration math.
// Proration is an approximation by product decision; calendar-exact period
// lengths are not worth the complexity here.
const periodDays = 30

// planPricesCents is the monthly price per subscription plan, in cents.
//
// This table is intentionally separate from the Catalog: catalog entries
// carry processor references resolved from configuration, while proration
// needs stable numeric prices even when a processor ref is unconfigured.
// TestProrationPricesCoverCatalog guards against the two sources drifting.
var planPricesCents = map[types.PlanID]int64{
	types.PlanBasic:        1999,
	types.PlanProfessional: 4999,
	types.PlanEnterprise:   9999,
}

// ProrationCalculator computes the signed charge/refund delta for switching
// between subscription plans mid-period.
type ProrationCalculator struct {
	catalog *Catalog
	prices  map[types.PlanID]int64
}

// NewProrationCalculator creates a calculator over the default price table.
func NewProrationCalculator(catalog *Catalog) *ProrationCalculator {
	return &ProrationCalculator{
		catalog: catalog,
		prices:  planPricesCents,
	}
}

// Prorate returns the delta in cents for moving from currentPlan to newPlan
// with daysRemaining left in the billing period. Positive means an additional
// charge, negative a refund due.
//
// Credit packs are not periodic, so the result is 0 whenever either plan is
// a credits-effect plan. daysRemaining is clamped to [0, 30]. Unknown plans
// fail with plan_unknown; a subscription plan missing from the price table
// fails with plan_not_configured.
func (p *ProrationCalculator) Prorate(currentPlan, newPlan types.PlanID, daysRemaining int) (int64, error) {
	if _, err := p.catalog.Lookup(currentPlan); err != nil {
		return 0, err
	}
	if _, err := p.catalog.Lookup(newPlan); err != nil {
		return 0, err
	}
	if p.catalog.IsCreditsPlan(currentPlan) || p.catalog.IsCreditsPlan(newPlan) {
		return 0, nil
	}

	currentPrice, err := p.price(currentPlan)
	if err != nil {
		return 0, err
	}
	newPrice, err := p.price(newPlan)
	if err != nil {
		return 0, err
	}

	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > periodDays {
		daysRemaining = periodDays
	}

	refund := float64(currentPrice) * float64(daysRemaining) / periodDays
	charge := float64(newPrice) * float64(daysRemaining) / periodDays
	return int64(math.Round(charge - refund)), nil
}

// PriceCents returns the monthly price of a subscription plan.
func (p *ProrationCalculator) PriceCents(plan types.PlanID) (int64, error) {
	if _, err := p.catalog.Lookup(plan); err != nil {
		return 0, err
	}
	if !p.catalog.IsSubscriptionPlan(plan) {
		return 0, types.NewAppError(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q is not a subscription plan", plan),
			nil,
		)
	}
	return p.price(plan)
}

func (p *ProrationCalculator) price(plan types.PlanID) (int64, error) {
	price, ok := p.prices[plan]
	if !ok {
		return 0, types.NewAppError(
			types.ErrCodePlanNotConfigured,
			fmt.Sprintf("no price configured for plan %q", plan),
			nil,
		)
	}
	return price, nil
}
