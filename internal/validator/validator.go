package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicing/pkg/db"
)

// ErrValidation marks request validation failures.
var ErrValidation = errors.New("validation_failed")

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error lists every field that failed validation.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Code)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *Error) Is(target error) bool {
	return target == ErrValidation
}

// New returns a validator that reports JSON field names and understands the
// decimal tag.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return field.Name
	})
	_ = v.RegisterValidation("decimal", isDecimal)
	return v
}

// Bounds of the decimal tag. They match the storage columns so a value reads
// back exactly as it was accepted.
const (
	MaxDecimalIntegerDigits  = db.DecimalIntegerDigits
	MaxDecimalFractionDigits = db.DecimalFractionDigits
)

var plainDecimal = regexp.MustCompile(`^[+-]?([0-9]+)(?:\.([0-9]+))?$`)

// isDecimal accepts plain decimal literals within the storage precision.
// Exponent notation, NaN and infinities are rejected.
func isDecimal(fl validator.FieldLevel) bool {
	return IsBoundedDecimal(fl.Field().String())
}

func IsBoundedDecimal(raw string) bool {
	m := plainDecimal.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return false
	}
	integer := strings.TrimLeft(m[1], "0")
	if len(integer) > MaxDecimalIntegerDigits || len(m[2]) > MaxDecimalFractionDigits {
		return false
	}
	_, err := decimal.NewFromString(m[0])
	return err == nil
}

// Struct validates req and converts failures into *Error.
func Struct(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(err, "validate request")
	}
	out := &Error{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe.Namespace()),
			Code:    "invalid_" + fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func NewFieldError(field, code, msg string) error {
	return &Error{Fields: []FieldError{{Field: field, Code: code, Message: msg}}}
}

// fieldPath drops the root struct name from a namespace such as
// CreateInvoiceRequest.items[0].quantity.
func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "decimal":
		return "must be a decimal number with at most 14 integer and 6 fractional digits"
	case "len":
		return "must be " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "datetime":
		return "must match " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}
