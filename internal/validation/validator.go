package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// New returns a validator that reports json field names.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// FormatValidationErrors converts validator.ValidationErrors into a slice of ValidationError
func FormatValidationErrors(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]ValidationError, len(ve))
	for i, fe := range ve {
		out[i] = ValidationError{
			Field: fe.Field(),
			Tag:   fe.Tag(),
			Value: fmt.Sprintf("%v", fe.Value()),
		}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "datetime":
			out[i].Message = fmt.Sprintf("%s must match %s", fe.Field(), fe.Param())
		case "timezone":
			out[i].Message = fmt.Sprintf("%s must be an IANA timezone", fe.Field())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
		default:
			out[i].Message = fmt.Sprintf("validation failed on field '%s' for tag '%s'", fe.Field(), fe.Tag())
		}
	}
	return out
}

// FormatPhoneNumberToE164 strips formatting and prefixes defaultPrefix to numbers without one.
func FormatPhoneNumberToE164(phone, defaultPrefix string) string {
	phone = strings.TrimSpace(phone)
	plus := strings.HasPrefix(phone, "+")
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	cleaned := sb.String()
	if cleaned == "" {
		return ""
	}
	if plus {
		return "+" + cleaned
	}
	return defaultPrefix + cleaned
}
