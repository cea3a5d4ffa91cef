package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks e before it is written to a vendor.
func Validate(v *validator.Validate, e models.Entity) error {
	if e == nil {
		return syncerr.New(syncerr.ErrValidation, "validate", "entity is required")
	}
	if err := v.Struct(e); err != nil {
		return syncerr.Newf(syncerr.ErrValidation, "validate "+e.EntityType().String(), "%s", formatValidation(err))
	}
	if j, ok := e.(*models.JournalEntry); ok && !j.Balanced() {
		return syncerr.New(syncerr.ErrValidation, "validate journal_entry", "debits and credits do not balance")
	}
	return nil
}

func formatValidation(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), message(fe)))
	}
	return strings.Join(parts, "; ")
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "invalid email"
	case "url":
		return "invalid url"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "invalid value"
	}
}
