// AngelaMos | 2026
// validate.go

package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		return name
	})
	return v
}

// checkTags runs the validate struct tags and reports every failure by its
// config key, naming an environment variable that sets it when one exists.
func checkTags(cfg any, envKeys map[string]string) error {
	err := structValidator.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	problems := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		msg := key + " " + describe(fe)
		if env := envFor(envKeys, key); env != "" {
			msg += " (" + env + ")"
		}
		problems = append(problems, errors.New(msg))
	}
	return errors.Join(problems...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt", "gtfield":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be less than " + fe.Param()
	case "lte":
		return "must not be more than " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

func envFor(envKeys map[string]string, key string) string {
	var names []string
	for env, k := range envKeys {
		if k == key {
			names = append(names, env)
		}
	}
	if len(names) == 0 {
		return ""
	}
	slices.Sort(names)
	return names[0]
}
