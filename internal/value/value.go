// Package value implements the typed value domain: a tagged-union cell
// type (Boolean, Datetime, Decimal, Integer, String,
// Uuid, Unknown) with parse/format pairs and the arithmetic the matching
// engine needs (decimal add/sub/mul/abs, numeric widening equality,
// UTC-millisecond datetime handling). Decimals are backed by
// shopspring/decimal so that exchange-rate multiplies never lose scale.
package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/internal/xerrors"
)

// Type is one of the two-letter column type abbreviations.
type Type string

const (
	TypeBoolean  Type = "BO"
	TypeDatetime Type = "DT"
	TypeDecimal  Type = "DE"
	TypeInteger  Type = "IN"
	TypeString   Type = "ST"
	TypeUuid     Type = "ID"
	TypeUnknown  Type = "??"
)

// Valid reports whether t is one of the recognised abbreviations.
func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeDatetime, TypeDecimal, TypeInteger, TypeString, TypeUuid, TypeUnknown:
		return true
	}
	return false
}

// Value is a single typed cell. Exactly one of the typed fields is
// meaningful, selected by Type; a blank cell has Blank set and carries
// its column's declared type (see BlankOf).
type Value struct {
	Type  Type
	Blank bool

	boolVal bool
	millis  int64 // Datetime: unix-ms UTC
	dec     decimal.Decimal
	intVal  int64
	strVal  string
	uuidVal uuid.UUID
}

// BlankOf returns the blank cell of the given declared type.
func BlankOf(t Type) Value { return Value{Type: t, Blank: true} }

func NewBool(b bool) Value      { return Value{Type: TypeBoolean, boolVal: b} }
func NewInt(i int64) Value      { return Value{Type: TypeInteger, intVal: i} }
func NewString(s string) Value  { return Value{Type: TypeString, strVal: s} }
func NewUuid(u uuid.UUID) Value { return Value{Type: TypeUuid, uuidVal: u} }
func NewDatetimeMillis(ms int64) Value {
	return Value{Type: TypeDatetime, millis: ms}
}
func NewDecimal(d decimal.Decimal) Value { return Value{Type: TypeDecimal, dec: d} }

// Parse converts a raw CSV cell string into a typed Value per its declared
// column type. An empty string always parses to the blank value of t.
func Parse(t Type, column, raw string) (Value, error) {
	if raw == "" {
		return BlankOf(t), nil
	}
	switch t {
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
		}
		return NewBool(b), nil
	case TypeInteger:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
		}
		return NewInt(i), nil
	case TypeDecimal:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
		}
		return NewDecimal(d), nil
	case TypeDatetime:
		ms, err := parseDatetimeMillis(raw)
		if err != nil {
			return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
		}
		return NewDatetimeMillis(ms), nil
	case TypeUuid:
		u, err := uuid.Parse(raw)
		if err != nil {
			return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
		}
		return NewUuid(u), nil
	case TypeString:
		return NewString(raw), nil
	case TypeUnknown:
		return Value{}, &xerrors.UnknownType{Column: column}
	default:
		return Value{}, &xerrors.DataTypeError{Column: column, Value: raw}
	}
}

// parseDatetimeMillis accepts RFC3339 (with or without fractional seconds).
func parseDatetimeMillis(raw string) (int64, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05.000"}
	var lastErr error
	for _, l := range layouts {
		t, err := time.Parse(l, raw)
		if err == nil {
			return t.UTC().UnixMilli(), nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// String renders the value in canonical CSV form.
func (v Value) String() string {
	if v.Blank {
		return ""
	}
	switch v.Type {
	case TypeBoolean:
		return strconv.FormatBool(v.boolVal)
	case TypeInteger:
		return strconv.FormatInt(v.intVal, 10)
	case TypeDecimal:
		return v.dec.String()
	case TypeDatetime:
		return time.UnixMilli(v.millis).UTC().Format("2006-01-02T15:04:05.000Z")
	case TypeUuid:
		return v.uuidVal.String()
	case TypeString:
		return v.strVal
	default:
		return ""
	}
}

func (v Value) Bool() bool               { return v.boolVal }
func (v Value) Int() int64               { return v.intVal }
func (v Value) Decimal() decimal.Decimal { return v.dec }
func (v Value) Millis() int64            { return v.millis }
func (v Value) Text() string             { return v.strVal }
func (v Value) Uuid() uuid.UUID          { return v.uuidVal }

// AsDecimal widens Integer/Decimal values to a decimal.Decimal for numeric
// aggregation. A blank value of any type widens to zero; present values
// of non-numeric types return false.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	if v.Blank {
		return decimal.Zero, true
	}
	switch v.Type {
	case TypeDecimal:
		return v.dec, true
	case TypeInteger:
		return decimal.NewFromInt(v.intVal), true
	default:
		return decimal.Decimal{}, false
	}
}

// Equal compares two values, widening Integer<->Decimal comparisons.
func (v Value) Equal(o Value) bool {
	if v.Blank || o.Blank {
		return v.Blank == o.Blank
	}
	if v.Type == o.Type {
		switch v.Type {
		case TypeBoolean:
			return v.boolVal == o.boolVal
		case TypeInteger:
			return v.intVal == o.intVal
		case TypeDecimal:
			return v.dec.Equal(o.dec)
		case TypeDatetime:
			return v.millis == o.millis
		case TypeUuid:
			return v.uuidVal == o.uuidVal
		case TypeString:
			return v.strVal == o.strVal
		}
		return false
	}
	vd, vok := v.AsDecimal()
	od, ook := o.AsDecimal()
	if vok && ook {
		return vd.Equal(od)
	}
	return false
}

// Abs returns the decimal-aware absolute value, per the `abs` script helper.
func Abs(v Value) (Value, error) {
	d, ok := v.AsDecimal()
	if !ok {
		return Value{}, fmt.Errorf("abs: value of type %s is not numeric", v.Type)
	}
	return NewDecimal(d.Abs()), nil
}

// Midnight truncates a Unix-ms timestamp to 00:00:00.000 UTC of its day.
func Midnight(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	truncated := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return truncated.UnixMilli()
}

// AddDecimal, SubDecimal, MulDecimal exist as named wrappers so callers and
// the script bridge have a single, precision-preserving entry point for the
// three supported operators: it must never be possible
// to silently reach for float64 arithmetic on a Value.
func AddDecimal(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) }
func SubDecimal(a, b decimal.Decimal) decimal.Decimal { return a.Sub(b) }
func MulDecimal(a, b decimal.Decimal) decimal.Decimal { return a.Mul(b) }

// NormalizeColumnName builds the "<PFX>.<name>" form used
// when multiple sources participate in a grid.
func NormalizeColumnName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// StripPrefix is the inverse of NormalizeColumnName's prefixing, used to
// resolve a qualified reference against a file's bare column names.
func StripPrefix(qualified string) (prefix, name string) {
	idx := strings.Index(qualified, ".")
	if idx < 0 {
		return "", qualified
	}
	return qualified[:idx], qualified[idx+1:]
}
