package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements/internal/types"
)

func TestEvaluate(t *testing.T) {
	eval := NewEvaluator(testCatalog())

	tests := []struct {
		name string
		user types.AccountSnapshot
		cost int
		want types.EntitlementDecision
	}{
		{
			name: "active subscription absorbs cost",
			user: types.AccountSnapshot{
				UserID:             "u1",
				SubscriptionStatus: types.SubStatusActive,
				SubscriptionPlanID: types.PlanProfessional,
				Credits:            0,
			},
			cost: 5,
			want: types.EntitlementDecision{
				Allowed: true,
				Source:  types.SourceSubscription,
			},
		},
		{
			name: "cancel_at_period_end still entitled",
			user: types.AccountSnapshot{
				UserID:             "u2",
				SubscriptionStatus: types.SubStatusCancelAtPeriodEnd,
				SubscriptionPlanID: types.PlanBasic,
				Credits:            0,
			},
			cost: 1,
			want: types.EntitlementDecision{
				Allowed: true,
				Source:  types.SourceSubscription,
			},
		},
		{
			name: "past_due falls through to credits",
			user: types.AccountSnapshot{
				UserID:             "u3",
				SubscriptionStatus: types.SubStatusPastDue,
				SubscriptionPlanID: types.PlanProfessional,
				Credits:            4,
			},
			cost: 3,
			want: types.EntitlementDecision{
				Allowed:       true,
				Source:        types.SourceCredits,
				ChargeCredits: 3,
			},
		},
		{
			name: "no subscription, sufficient credits",
			user: types.AccountSnapshot{
				UserID:  "u4",
				Credits: 10,
			},
			cost: 3,
			want: types.EntitlementDecision{
				Allowed:       true,
				Source:        types.SourceCredits,
				ChargeCredits: 3,
			},
		},
		{
			name: "exact balance is sufficient",
			user: types.AccountSnapshot{
				UserID:  "u5",
				Credits: 3,
			},
			cost: 3,
			want: types.EntitlementDecision{
				Allowed:       true,
				Source:        types.SourceCredits,
				ChargeCredits: 3,
			},
		},
		{
			name: "insufficient credits denied",
			user: types.AccountSnapshot{
				UserID:  "u6",
				Credits: 2,
			},
			cost: 3,
			want: types.EntitlementDecision{
				Allowed: false,
				Reason:  types.DenialInsufficientCredits,
			},
		},
		{
			name: "deleted subscription with zero credits denied",
			user: types.AccountSnapshot{
				UserID:             "u7",
				SubscriptionStatus: types.SubStatusDeleted,
				Credits:            0,
			},
			cost: 1,
			want: types.EntitlementDecision{
				Allowed: false,
				Reason:  types.DenialInsufficientCredits,
			},
		},
		{
			name: "active status on credits-effect plan does not grant unlimited use",
			user: types.AccountSnapshot{
				UserID:             "u8",
				SubscriptionStatus: types.SubStatusActive,
				SubscriptionPlanID: types.PlanCredits50,
				Credits:            1,
			},
			cost: 2,
			want: types.EntitlementDecision{
				Allowed: false,
				Reason:  types.DenialInsufficientCredits,
			},
		},
		{
			name: "active status with no plan set falls through to credits",
			user: types.AccountSnapshot{
				UserID:             "u9",
				SubscriptionStatus: types.SubStatusActive,
				Credits:            5,
			},
			cost: 2,
			want: types.EntitlementDecision{
				Allowed:       true,
				Source:        types.SourceCredits,
				ChargeCredits: 2,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.user, tt.cost)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_NonPositiveCost(t *testing.T) {
	eval := NewEvaluator(testCatalog())

	for _, cost := range []int{0, -1} {
		_, err := eval.Evaluate(types.AccountSnapshot{UserID: "u1", Credits: 100}, cost)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInvalidAmount, appErr.Code)
	}
}
