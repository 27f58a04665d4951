package inventory

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the create-item form
func (n NewItem) Validate() error {
	fields := map[string]string{}

	if err := validate.Struct(n); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating item: %w", err)
		}
		for _, fe := range verrs {
			fields[fe.Field()] = describe(fe)
		}
	}

	if strings.TrimSpace(n.Name) == "" {
		fields["name"] = "is required"
	}
	if !n.IsBulk && !isWhole(n.InitialQuantity) {
		fields["initial_quantity"] = "must be a whole number for unit items"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be negative"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}

// validateMutation checks a mutation before it reaches storage
func validateMutation(m Mutation) error {
	fields := map[string]string{}
	if m.ItemID == "" {
		fields["item_id"] = "is required"
	}
	if !m.Operation.Valid() {
		fields["operation"] = "must be one of SELL STOCK_IN STOCK_OUT"
	}
	if m.Quantity <= 0 {
		fields["quantity"] = "must be greater than 0"
	}
	if m.IdempotencyKey == "" {
		fields["idempotency_key"] = "is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
