package ingest

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
)

const (
	ReasonNotNumeric  = "not a number"
	ReasonNotFinite   = "not a finite number"
	ReasonBoolean     = "booleans are not numbers"
	ReasonNotScalar   = "must be a string or number"
	ReasonDuplicate   = "parameter submitted more than once"
	ReasonUnsupported = "unsupported value type"
)

// Coerce converts a raw submitted value to the parameter's type. nil is an
// explicit null for either type.
func Coerce(p models.Parameter, raw any) (models.Value, error) {
	if raw == nil {
		return models.Null(), nil
	}
	if p.IsNumeric {
		return coerceNumeric(p, raw)
	}
	return coerceText(p, raw)
}

func coerceNumeric(p models.Parameter, raw any) (models.Value, error) {
	invalid := func(reason string) (models.Value, error) {
		return models.Value{}, &errs.InvalidValueError{Parameter: p.Slug, Value: raw, Reason: reason}
	}

	var in any = raw
	switch v := raw.(type) {
	case bool:
		return invalid(ReasonBoolean)
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return invalid(ReasonNotNumeric)
		}
		in = v
	case json.Number:
		in = v.String()
	}
	if isComposite(raw) {
		return invalid(ReasonNotScalar)
	}

	f, err := cast.ToFloat64E(in)
	if err != nil {
		return invalid(ReasonNotNumeric)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid(ReasonNotFinite)
	}
	return models.Numeric(f), nil
}

func coerceText(p models.Parameter, raw any) (models.Value, error) {
	if isComposite(raw) {
		return models.Value{}, &errs.InvalidValueError{Parameter: p.Slug, Value: raw, Reason: ReasonNotScalar}
	}
	if f, ok := raw.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return models.Value{}, &errs.InvalidValueError{Parameter: p.Slug, Value: raw, Reason: ReasonNotFinite}
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return models.Value{}, &errs.InvalidValueError{Parameter: p.Slug, Value: raw, Reason: ReasonUnsupported}
	}
	return models.Text(s), nil
}

func isComposite(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Chan, reflect.Func:
		return true
	}
	return false
}
