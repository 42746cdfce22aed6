package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements/internal/types"
)

type checkoutForm struct {
	UserID string `json:"user_id" validate:"required"`
	PlanID string `json:"plan_id" validate:"required,planid"`
}

type consumeForm struct {
	UserID string `json:"user_id" validate:"required"`
	Amount int    `json:"amount" validate:"gt=0"`
	Reason string `json:"reason" validate:"required,reason"`
}

func TestValidateStructPasses(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(checkoutForm{UserID: "u1", PlanID: "professional"})
	assert.NoError(t, err)

	err = v.ValidateStruct(consumeForm{UserID: "u1", Amount: 3, Reason: "cover_letter"})
	assert.NoError(t, err)
}

func TestValidateStructMissingRequired(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(checkoutForm{PlanID: "basic"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	assert.Contains(t, appErr.Details, "userid")
}

func TestValidateStructUnknownPlan(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(checkoutForm{UserID: "u1", PlanID: "platinum"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidPlan, appErr.Code)
	assert.Equal(t, "unknown plan identifier", appErr.Details["planid"])
}

func TestValidateStructAmountBound(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(consumeForm{UserID: "u1", Amount: 0, Reason: "purchase"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidField, appErr.Code)
	assert.Contains(t, appErr.Details["amount"], "at least")
}

func TestValidateStructUnknownReason(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(consumeForm{UserID: "u1", Amount: 1, Reason: "freebie"})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidField, appErr.Code)
	assert.Contains(t, appErr.Details, "reason")
}
