package validator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateField(field string, value interface{}, rules ...string) error
}

type validate struct {
	v *validator.Validate
}

var (
	defaultOnce sync.Once
	defaultV    Validator
)

func New() Validator {
	return &validate{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Default returns a process-wide validator; validator.Validate caches struct
// metadata so sharing one instance is the intended use.
func Default() Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

// Validate checks `validate` struct tags and reports the first failure as a
// validation AppError.
func (v *validate) Validate(obj interface{}) error {
	if err := v.v.Struct(obj); err != nil {
		return translate("", err)
	}
	return nil
}

func (v *validate) ValidateField(field string, value interface{}, rules ...string) error {
	if err := v.v.Var(value, strings.Join(rules, ",")); err != nil {
		return translate(field, err)
	}
	return nil
}

func translate(field string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("invalid input", err)
	}
	fe := verrs[0]
	name := field
	if name == "" {
		name = strings.ToLower(fe.Field())
	}
	return apperrors.Validation(describe(name, fe), err)
}

func describe(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	case "printascii":
		return fmt.Sprintf("%s must contain printable ASCII characters only", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
