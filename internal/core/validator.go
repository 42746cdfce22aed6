package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"entitlements/internal/types"
)

// Validator wraps go-playground/validator with the domain tags the request
// structs use. One instance is shared across all handlers; the underlying
// validator caches struct metadata and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers the custom tags:
//
//   - planid: value is a known catalog PlanID.
//   - reason: value is a known credit transaction reason.
func NewValidator() *Validator {
	v := validator.New()

	_ = v.RegisterValidation("planid", func(fl validator.FieldLevel) bool {
		candidate := types.PlanID(fl.Field().String())
		for _, id := range types.AllPlanIDs {
			if candidate == id {
				return true
			}
		}
		return false
	})

	_ = v.RegisterValidation("reason", func(fl validator.FieldLevel) bool {
		switch types.TransactionReason(fl.Field().String()) {
		case types.ReasonCoverLetter, types.ReasonMockInterview,
			types.ReasonLinkedInPost, types.ReasonResumeReview,
			types.ReasonPurchase, types.ReasonAdjustment:
			return true
		}
		return false
	})

	return &Validator{validate: v}
}

// ValidateStruct checks the struct against its validate tags and returns a
// field-keyed AppError on failure. Missing required fields map to
// "validation_missing_required_field", everything else to
// "validation_invalid_field".
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationInvalidField
	for _, fe := range verrs {
		name := fieldName(fe)
		switch fe.Tag() {
		case "required":
			code = types.ErrCodeValidationMissingField
			fields[name] = "field is required"
		case "planid":
			code = types.ErrCodeValidationInvalidPlan
			fields[name] = "unknown plan identifier"
		case "gt", "gte", "min":
			fields[name] = "value must be at least " + fe.Param()
		case "max", "lte":
			fields[name] = "value must be at most " + fe.Param()
		default:
			fields[name] = "failed validation rule: " + fe.Tag()
		}
	}

	return types.NewAppErrorWithDetails(code, "request validation failed", nil, fields)
}

// fieldName derives the client-facing field name from the validator
// namespace, dropping the struct type prefix.
func fieldName(fe validator.FieldError) string {
	parts := strings.SplitN(fe.Namespace(), ".", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[1])
	}
	return strings.ToLower(fe.Field())
}
