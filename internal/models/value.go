package models

import (
	"database/sql"
	"strconv"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumeric
	KindText
)

func (k ValueKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindText:
		return "text"
	default:
		return "null"
	}
}

// Value is a coerced observation value. Its kind is fixed by the parameter
// it was coerced against.
type Value struct {
	Kind    ValueKind
	Numeric float64
	Text    string
}

func Null() Value { return Value{} }

func Numeric(f float64) Value { return Value{Kind: KindNumeric, Numeric: f} }

func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Interface returns the value as float64, string or nil.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumeric:
		return v.Numeric
	case KindText:
		return v.Text
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		return strconv.FormatFloat(v.Numeric, 'f', -1, 64)
	case KindText:
		return v.Text
	default:
		return "null"
	}
}

// Columns splits the value into the nullable numeric and text columns it is
// stored in.
func (v Value) Columns() (sql.NullFloat64, sql.NullString) {
	switch v.Kind {
	case KindNumeric:
		return sql.NullFloat64{Float64: v.Numeric, Valid: true}, sql.NullString{}
	case KindText:
		return sql.NullFloat64{}, sql.NullString{String: v.Text, Valid: true}
	default:
		return sql.NullFloat64{}, sql.NullString{}
	}
}

// ValueFromColumns is the inverse of Columns.
func ValueFromColumns(num sql.NullFloat64, text sql.NullString) Value {
	switch {
	case num.Valid:
		return Numeric(num.Float64)
	case text.Valid:
		return Text(text.String)
	default:
		return Null()
	}
}
