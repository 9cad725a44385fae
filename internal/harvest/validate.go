package harvest

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
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateInstitutionContact, Institution{})
	if err := v.RegisterValidation("phone", validatePhone); err != nil {
		panic(err)
	}
	return v
}

// Institutions need some way to be reached.
func validateInstitutionContact(sl validator.StructLevel) {
	inst, ok := sl.Current().Interface().(Institution)
	if !ok {
		return
	}
	if isBlank(inst.Email) && isBlank(inst.Phone) && isBlank(inst.WebContact) {
		sl.ReportError(inst.Email, "email", "Email", "contact", "")
	}
}

func validatePhone(fl validator.FieldLevel) bool {
	_, err := FormatPhone(fl.Field().String())
	return err == nil
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// Validate checks the institution's fields. Failures are KindValidation.
func (i Institution) Validate() error {
	return structErr("validate institution", validate.Struct(i))
}

// Validate checks the job's fields. Failures are KindValidation.
func (j Job) Validate() error {
	return structErr("validate job", validate.Struct(j))
}

func structErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return E(KindValidation, op, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "contact":
			msgs = append(msgs, "at least one of email, phone or webContact is required")
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "phone":
			msgs = append(msgs, fmt.Sprintf("%s is not a valid international phone number", fe.Field()))
		case "eq":
			msgs = append(msgs, fmt.Sprintf("%s must be %q", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is not a valid %s", fe.Field(), fe.Tag()))
		}
	}
	return E(KindValidation, op, errors.New(strings.Join(msgs, "; ")))
}
