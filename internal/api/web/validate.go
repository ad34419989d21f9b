package web

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldErrors reports request fields that failed validation, keyed by the
// field's JSON name.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for f, msg := range fe {
		parts = append(parts, fmt.Sprintf("%s: %s", f, msg))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Check validates v's struct tags.
func Check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fe := make(FieldErrors, len(verrs))
	for _, e := range verrs {
		fe[e.Namespace()[strings.Index(e.Namespace(), ".")+1:]] = fmt.Sprintf("failed on %q", e.Tag())
	}
	return fe
}
