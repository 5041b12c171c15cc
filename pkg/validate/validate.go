// Package validate wraps go-playground/validator for boundary checks on ingested events.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"callpipeline/pkg/apperr"

	"github.com/go-playground/validator/v10"
)

// Validator validates structs by their `validate` tags.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Validator{v: v}
}

// Struct validates s and converts field failures into a single validation error
// listing each failing field.
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.KindValidation, "invalid input", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, describe(fe))
	}
	return apperr.Validation(strings.Join(parts, "; "))
}

// Var validates a single value against a tag.
func (val *Validator) Var(field any, tag string) error {
	if err := val.v.Var(field, tag); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid value", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
