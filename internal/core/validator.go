package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"toeicprep/internal/types"
)

// Validator wraps go-playground/validator with the service's custom tags.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator. Field names in errors use the json tag.
//
// Custom tags:
//   - resource_type: a metered resource (daily_practice, daily_ai_chat)
//   - sub_status: a stored subscription status
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("resource_type", func(fl validator.FieldLevel) bool {
		return types.ResourceType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("sub_status", func(fl validator.FieldLevel) bool {
		return types.SubscriptionStatus(fl.Field().String()).Valid()
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or a 400 AppError whose details map each
// failing field to the rule it broke.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationMissingField
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() != "required" {
			code = validationCode(fe.Tag())
		}
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", nil, map[string]any{"fields": fields})
}

func validationCode(tag string) types.ErrorCode {
	switch tag {
	case "resource_type":
		return types.ErrCodeValidationInvalidResource
	case "sub_status":
		return types.ErrCodeValidationInvalidStatus
	case "url", "http_url":
		return types.ErrCodeValidationInvalidRedirect
	}
	return errCodeValidationInvalidField
}

const errCodeValidationInvalidField types.ErrorCode = "validation_invalid_field"
