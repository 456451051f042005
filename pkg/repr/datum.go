package repr

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DatumKind tags the scalar type of a Datum.
type DatumKind int

const (
	KindNull DatumKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindDecimal
	KindTime
	KindList
	KindRecord
	// KindError carries a row-level evaluation error (overflow, cast
	// failure) through the data path instead of aborting the dataflow.
	KindError
)

func (k DatumKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindDecimal:
		return "decimal"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Datum is a single typed scalar value inside a Row. Datums are immutable
// once constructed and are compared by value.
type Datum struct {
	kind  DatumKind
	b     bool
	i     int64 // int64 value or decimal coefficient
	scale int32 // decimal scale (digits after the point)
	f     float64
	s     string // string value, record field name list, or error message
	t     time.Time
	list  []Datum // list elements or record field values
}

// Constructors.

func Null() Datum            { return Datum{kind: KindNull} }
func Bool(v bool) Datum      { return Datum{kind: KindBool, b: v} }
func Int64(v int64) Datum    { return Datum{kind: KindInt64, i: v} }
func Float64(v float64) Datum { return Datum{kind: KindFloat64, f: v} }
func String(v string) Datum  { return Datum{kind: KindString, s: v} }
func Time(v time.Time) Datum { return Datum{kind: KindTime, t: v.UTC()} }

// Decimal creates a fixed-point decimal with the given coefficient and
// scale, e.g. Decimal(12345, 2) is 123.45.
func Decimal(coefficient int64, scale int32) Datum {
	return Datum{kind: KindDecimal, i: coefficient, scale: scale}
}

// List creates a nested list datum. The elements are not copied.
func List(elems ...Datum) Datum {
	return Datum{kind: KindList, list: elems}
}

// Record creates a nested record datum with ordered field names. Field names
// are joined into the string slot so the datum stays a flat value type.
func Record(names []string, values []Datum) Datum {
	return Datum{kind: KindRecord, s: strings.Join(names, "\x1f"), list: values}
}

// ErrorDatum wraps a row-level evaluation error as data.
func ErrorDatum(msg string) Datum { return Datum{kind: KindError, s: msg} }

// Accessors.

func (d Datum) Kind() DatumKind  { return d.kind }
func (d Datum) IsNull() bool     { return d.kind == KindNull }
func (d Datum) IsError() bool    { return d.kind == KindError }
func (d Datum) Bool() bool       { return d.b }
func (d Datum) Int64() int64     { return d.i }
func (d Datum) Float64() float64 { return d.f }
func (d Datum) Str() string      { return d.s }
func (d Datum) Time() time.Time  { return d.t }
func (d Datum) ErrorMsg() string { return d.s }

// DecimalParts returns the coefficient and scale of a decimal datum.
func (d Datum) DecimalParts() (int64, int32) { return d.i, d.scale }

// ListElems returns the elements of a list datum.
func (d Datum) ListElems() []Datum { return d.list }

// RecordFields returns the field names and values of a record datum.
func (d Datum) RecordFields() ([]string, []Datum) {
	if d.s == "" {
		return nil, d.list
	}
	return strings.Split(d.s, "\x1f"), d.list
}

// Compare imposes a total order over all datums: first by kind, then by
// value. Needed for min/max aggregates, top-k and deterministic output.
func (d Datum) Compare(other Datum) int {
	if d.kind != other.kind {
		if d.kind < other.kind {
			return -1
		}
		return 1
	}

	switch d.kind {
	case KindNull:
		return 0
	case KindBool:
		if d.b == other.b {
			return 0
		}
		if !d.b {
			return -1
		}
		return 1
	case KindInt64:
		return cmpInt64(d.i, other.i)
	case KindFloat64:
		if d.f < other.f {
			return -1
		}
		if d.f > other.f {
			return 1
		}
		return 0
	case KindString, KindError:
		return strings.Compare(d.s, other.s)
	case KindDecimal:
		return cmpDecimal(d.i, d.scale, other.i, other.scale)
	case KindTime:
		if d.t.Before(other.t) {
			return -1
		}
		if d.t.After(other.t) {
			return 1
		}
		return 0
	case KindList, KindRecord:
		if c := strings.Compare(d.s, other.s); c != 0 {
			return c
		}
		for i := 0; i < len(d.list) && i < len(other.list); i++ {
			if c := d.list[i].Compare(other.list[i]); c != 0 {
				return c
			}
		}
		return cmpInt64(int64(len(d.list)), int64(len(other.list)))
	}
	return 0
}

// Equal compares two datums by value.
func (d Datum) Equal(other Datum) bool { return d.Compare(other) == 0 }

func cmpInt64(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// cmpDecimal compares two fixed-point decimals by rescaling the
// coefficients to a common scale.
func cmpDecimal(ca int64, sa int32, cb int64, sb int32) int {
	for sa < sb {
		ca *= 10
		sa++
	}
	for sb < sa {
		cb *= 10
		sb++
	}
	return cmpInt64(ca, cb)
}

// encodeKey appends a deterministic textual encoding of the datum to the
// builder. The encoding defines datum identity, the way canonical JSON keys
// define document identity elsewhere.
func (d Datum) encodeKey(sb *strings.Builder) {
	switch d.kind {
	case KindNull:
		sb.WriteString("n:")
	case KindBool:
		sb.WriteString("b:")
		sb.WriteString(strconv.FormatBool(d.b))
	case KindInt64:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(d.i, 10))
	case KindFloat64:
		sb.WriteString("f:")
		sb.WriteString(strconv.FormatFloat(d.f, 'g', -1, 64))
	case KindString:
		sb.WriteString("s:")
		sb.WriteString(strconv.Quote(d.s))
	case KindDecimal:
		sb.WriteString("d:")
		sb.WriteString(strconv.FormatInt(d.i, 10))
		sb.WriteByte('e')
		sb.WriteString(strconv.FormatInt(int64(-d.scale), 10))
	case KindTime:
		sb.WriteString("t:")
		sb.WriteString(strconv.FormatInt(d.t.UnixNano(), 10))
	case KindList:
		sb.WriteString("l:[")
		for i := range d.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			d.list[i].encodeKey(sb)
		}
		sb.WriteByte(']')
	case KindRecord:
		sb.WriteString("r:{")
		sb.WriteString(strconv.Quote(d.s))
		for i := range d.list {
			sb.WriteByte(',')
			d.list[i].encodeKey(sb)
		}
		sb.WriteByte('}')
	case KindError:
		sb.WriteString("e:")
		sb.WriteString(strconv.Quote(d.s))
	}
}

// Key returns the canonical encoding of the datum.
func (d Datum) Key() string {
	var sb strings.Builder
	d.encodeKey(&sb)
	return sb.String()
}

// GoValue converts a datum to its plain Go representation, the form JSONPath
// engines and encoders understand. Records become map[string]any, lists
// become []any.
func (d Datum) GoValue() any {
	switch d.kind {
	case KindNull:
		return nil
	case KindBool:
		return d.b
	case KindInt64:
		return d.i
	case KindFloat64:
		return d.f
	case KindString:
		return d.s
	case KindDecimal:
		return d.DecimalString()
	case KindTime:
		return d.t
	case KindList:
		out := make([]any, len(d.list))
		for i := range d.list {
			out[i] = d.list[i].GoValue()
		}
		return out
	case KindRecord:
		names, values := d.RecordFields()
		out := make(map[string]any, len(values))
		for i := range values {
			out[names[i]] = values[i].GoValue()
		}
		return out
	case KindError:
		return fmt.Sprintf("<error: %s>", d.s)
	}
	return nil
}

// FromGoValue converts a plain Go value back into a datum. Unknown types
// fall back to their string rendering.
func FromGoValue(v any) Datum {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int64(int64(x))
	case int32:
		return Int64(int64(x))
	case int64:
		return Int64(x)
	case float32:
		return Float64(float64(x))
	case float64:
		return Float64(x)
	case string:
		return String(x)
	case time.Time:
		return Time(x)
	case []any:
		elems := make([]Datum, len(x))
		for i := range x {
			elems[i] = FromGoValue(x[i])
		}
		return List(elems...)
	case map[string]any:
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		slices.Sort(names)
		values := make([]Datum, len(names))
		for i, k := range names {
			values[i] = FromGoValue(x[k])
		}
		return Record(names, values)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// DecimalString renders a decimal datum as text.
func (d Datum) DecimalString() string {
	if d.scale == 0 {
		return strconv.FormatInt(d.i, 10)
	}
	neg := d.i < 0
	abs := d.i
	if neg {
		abs = -abs
	}
	s := strconv.FormatInt(abs, 10)
	for int64(len(s)) <= int64(d.scale) {
		s = "0" + s
	}
	point := len(s) - int(d.scale)
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

func (d Datum) String() string {
	switch d.kind {
	case KindNull:
		return "NULL"
	case KindString:
		return strconv.Quote(d.s)
	case KindDecimal:
		return d.DecimalString()
	case KindTime:
		return d.t.Format(time.RFC3339Nano)
	case KindError:
		return fmt.Sprintf("!%q", d.s)
	default:
		return fmt.Sprintf("%v", d.GoValue())
	}
}

// AddInt64Checked adds two int64 datums, producing an error datum on
// overflow per the row-level error contract.
func AddInt64Checked(a, b int64) Datum {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return ErrorDatum(fmt.Sprintf("integer overflow: %d + %d", a, b))
	}
	return Int64(a + b)
}

// SubInt64Checked subtracts two int64 datums, producing an error datum on
// overflow. Negating b first would itself overflow for MinInt64.
func SubInt64Checked(a, b int64) Datum {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return ErrorDatum(fmt.Sprintf("integer overflow: %d - %d", a, b))
	}
	return Int64(a - b)
}
