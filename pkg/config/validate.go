package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// Validator returns the shared validator. Field names in errors follow the yaml tags.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validatorInst = v
	})
	return validatorInst
}

// ValidateStruct runs tag validation on v and converts every failure into a
// ConfigurationError whose field is rooted at prefix.
func ValidateStruct(prefix string, v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &models.ConfigurationError{Field: prefix, Reason: err.Error()}
	}
	var out error
	for _, fe := range verrs {
		out = multierr.Append(out, &models.ConfigurationError{
			Field:  joinField(prefix, trimRoot(fe.Namespace())),
			Reason: describe(fe),
		})
	}
	return out
}

// DecodeParams strictly decodes a params node into out and validates it.
// out should already hold the defaults. Unknown keys are rejected.
func DecodeParams(field string, node yaml.Node, out any) error {
	if node.Kind != 0 {
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return &models.ConfigurationError{Field: field, Reason: err.Error()}
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return &models.ConfigurationError{Field: field, Reason: err.Error()}
		}
	}
	return ValidateStruct(field, out)
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ""
}

func joinField(prefix, rest string) string {
	switch {
	case prefix == "":
		return rest
	case rest == "":
		return prefix
	default:
		return prefix + "." + rest
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte", "min":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte", "max":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
