package core

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"paygate/internal/types"
)

// errCodeValidationFailed is the error code for struct-tag validation failures.
const errCodeValidationFailed types.ErrorCode = "validation_failed"

// Validator wraps go-playground/validator with JSON-tag-aware field names and
// AppError translation. A single instance is shared across handlers; the
// underlying validator caches struct metadata and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator. Field names in validation errors are
// taken from the struct's json tags so they match the wire format clients sent.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates a struct against its validation tags. On failure it
// returns a *types.AppError (400) whose Details map each offending field to a
// human-readable constraint description.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the input was not a struct. Programmer error.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid validation target", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = constraintMessage(fe)
	}

	return types.NewAppErrorWithDetails(
		errCodeValidationFailed,
		"request validation failed",
		err,
		details,
	)
}

// constraintMessage renders a single field error as a short human-readable
// description of the violated constraint.
func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed constraint %q", fe.Tag())
	}
}
