// Package validate holds the shared struct tag validator. Field names in
// errors are taken from json tags.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var v = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Struct validates the tags of s and any nested structs.
func Struct(s any) error {
	return v.Struct(s)
}

// Var validates a single value against tag.
func Var(field any, tag string) error {
	return v.Var(field, tag)
}

// First returns the first failed rule of err.
func First(err error) (validator.FieldError, bool) {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return nil, false
	}
	return errs[0], true
}

// Message joins the failed rules of err into one line.
func Message(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}

	list := make([]string, 0, len(errs))
	for _, e := range errs {
		rule := e.Tag()
		if e.Param() != "" {
			rule += "=" + e.Param()
		}
		list = append(list, fmt.Sprintf("%s failed %s (got %v)", fieldName(e), rule, e.Value()))
	}
	return strings.Join(list, "; ")
}

// fieldName drops the top level struct name from the namespace.
func fieldName(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
