// Package validation checks request bodies against their `validate` struct
// tags and reports failures as ValidationErrors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// TagName is the struct tag holding validation rules.
const TagName = "validate"

var defaultValidator = &Validator{}

// Validator wraps a lazily built validator.Validate.
type Validator struct {
	once     sync.Once
	validate *validator.Validate
}

// Struct validates obj with the package-level validator.
func Struct(obj any) error {
	return defaultValidator.Struct(obj)
}

// Struct validates obj. Pointers are followed; anything that is not a struct
// passes. Rule failures come back as ValidationErrors.
func (v *Validator) Struct(obj any) error {
	if obj == nil {
		return nil
	}
	value := reflect.ValueOf(obj)
	if value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return nil
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil
	}

	v.lazyInit()
	err := v.validate.Struct(value.Interface())
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out.addRule(fieldPath(fe), fe.Tag(), fmt.Sprint(fe.Value()), message(fe))
	}
	return out
}

func (v *Validator) lazyInit() {
	v.once.Do(func() {
		v.validate = validator.New()
		v.validate.SetTagName(TagName)
		v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.validate.RegisterValidation("metakey", func(fl validator.FieldLevel) bool {
			return ValidateMetadataKey(fl.Field().String()) == nil
		})
	})
}

// fieldPath drops the top-level struct name from the namespace, so that
// "CreateSandboxRequest.image.uri" becomes "image.uri".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map || fe.Kind() == reflect.String {
			return "must have at least " + fe.Param() + " element(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map || fe.Kind() == reflect.String {
			return "must have at most " + fe.Param() + " element(s)"
		}
		return "must be at most " + fe.Param()
	case "metakey":
		if err := ValidateMetadataKey(fmt.Sprint(fe.Value())); err != nil {
			return err.Error()
		}
		return "is not a valid metadata key"
	default:
		return "failed the " + fe.Tag() + " rule"
	}
}

// ValidateMetadataKey checks a metadata key. Keys must be non-empty and may
// not contain the separators of the metadata list filter.
func ValidateMetadataKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata key must not be empty")
	}
	if strings.ContainsAny(key, "=&") {
		return fmt.Errorf("metadata keys cannot contain '=' or '&'")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("metadata keys cannot contain control characters")
		}
	}
	return nil
}
