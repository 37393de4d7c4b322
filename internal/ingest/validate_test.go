package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
)

func TestCoerce(t *testing.T) {
	numeric := models.Parameter{Slug: "temperature", IsNumeric: true}
	text := models.Parameter{Slug: "sky"}

	tests := []struct {
		name    string
		param   models.Parameter
		raw     any
		want    models.Value
		wantErr bool
	}{
		{name: "numeric float", param: numeric, raw: 6.5, want: models.Numeric(6.5)},
		{name: "numeric int", param: numeric, raw: 6, want: models.Numeric(6)},
		{name: "numeric int64", param: numeric, raw: int64(-3), want: models.Numeric(-3)},
		{name: "numeric string", param: numeric, raw: "12.25", want: models.Numeric(12.25)},
		{name: "numeric string with spaces", param: numeric, raw: "  7 ", want: models.Numeric(7)},
		{name: "numeric json.Number", param: numeric, raw: json.Number("3.5"), want: models.Numeric(3.5)},
		{name: "numeric null", param: numeric, raw: nil, want: models.Null()},
		{name: "numeric rejects words", param: numeric, raw: "warm", wantErr: true},
		{name: "numeric rejects empty", param: numeric, raw: "  ", wantErr: true},
		{name: "numeric rejects bool", param: numeric, raw: true, wantErr: true},
		{name: "numeric rejects NaN", param: numeric, raw: math.NaN(), wantErr: true},
		{name: "numeric rejects NaN string", param: numeric, raw: "NaN", wantErr: true},
		{name: "numeric rejects infinity", param: numeric, raw: math.Inf(1), wantErr: true},
		{name: "numeric rejects list", param: numeric, raw: []any{1, 2}, wantErr: true},
		{name: "text verbatim", param: text, raw: " Partly cloudy ", want: models.Text(" Partly cloudy ")},
		{name: "text from number", param: text, raw: 6.0, want: models.Text("6")},
		{name: "text from bool", param: text, raw: false, want: models.Text("false")},
		{name: "text null", param: text, raw: nil, want: models.Null()},
		{name: "text rejects map", param: text, raw: map[string]any{"a": 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.param, tt.raw)
			if tt.wantErr {
				if !errors.Is(err, errs.ErrInvalidValue) {
					t.Fatalf("Coerce(%v) err = %v, want invalid value", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce(%v): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Coerce(%v) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCoerce_ErrorNamesParameter(t *testing.T) {
	_, err := Coerce(models.Parameter{Slug: "temperature", IsNumeric: true}, "warm")
	var invalid *errs.InvalidValueError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *InvalidValueError", err)
	}
	if invalid.Parameter != "temperature" {
		t.Errorf("Parameter = %q, want temperature", invalid.Parameter)
	}
	if invalid.Reason != ReasonNotNumeric {
		t.Errorf("Reason = %q, want %q", invalid.Reason, ReasonNotNumeric)
	}
}
