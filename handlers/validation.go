package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

const invalidDataMessage = "The given data was invalid."

var registerOnce sync.Once

var customValidations = map[string]validator.Func{
	"notblank": validators.NotBlank,
}

// registerValidators adds notblank and makes field errors report JSON names.
// It panics when a validation cannot be registered, since binding would
// otherwise panic on the unknown tag for every request.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		if err := registerCustomValidations(v, customValidations); err != nil {
			panic(err)
		}
	})
}

func registerCustomValidations(v *validator.Validate, fns map[string]validator.Func) error {
	for tag, fn := range fns {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return nil
}

// validationErrors turns a binding error into field path -> message.
func validationErrors(err error) map[string]string {
	fields := make(map[string]string)

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fieldPath(fe)] = fieldMessage(fe)
		}
		return fields
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		fields[typeErr.Field] = fmt.Sprintf("Must be of type %s.", typeErr.Type)
		return fields
	}

	if errors.Is(err, io.EOF) {
		fields["body"] = "A JSON request body is required."
		return fields
	}

	fields["body"] = "The request body is not valid JSON."
	return fields
}

// fieldPath drops the leading struct name, e.g. "PlaceOrderRequest.items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "This field is required."
	case "min":
		return fmt.Sprintf("Must contain at least %s item(s).", fe.Param())
	case "gte":
		return fmt.Sprintf("Must be at least %s.", fe.Param())
	case "gt":
		return fmt.Sprintf("Must be greater than %s.", fe.Param())
	case "lte":
		return fmt.Sprintf("May not be greater than %s.", fe.Param())
	default:
		return fmt.Sprintf("Failed the %s rule.", fe.Tag())
	}
}
