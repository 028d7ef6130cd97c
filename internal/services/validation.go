package services

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct against its validate tags and converts
// failures into a ValidationError with per-field context.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	err := vh.validator.Struct(s)
	if err == nil {
		return nil
	}

	verr := &ValidationError{
		Reason:  "invalid request fields",
		Context: make(map[string]string),
	}
	if fieldErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range fieldErrs {
			verr.Context[fe.Field()] = fmt.Sprintf("failed on '%s' tag", fe.Tag())
		}
	}
	return verr
}
