// Package expr implements scalar expressions evaluated over rows. Row-level
// evaluation failures (overflow, cast errors, bad path access) never abort a
// dataflow: they are converted into error datums that ride the data path and
// become visible in query results.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hsnlab/matflow/pkg/repr"
)

// Expr is a scalar expression that evaluates itself on a row.
type Expr interface {
	// Eval computes the expression over the row. Errors are returned as
	// error datums, never as Go errors.
	Eval(row repr.Row) repr.Datum
	fmt.Stringer
}

// Column references an input column by index.
type Column struct {
	Index int
}

func NewColumn(index int) *Column { return &Column{Index: index} }

func (e *Column) Eval(row repr.Row) repr.Datum {
	if e.Index < 0 || e.Index >= len(row) {
		return repr.ErrorDatum(fmt.Sprintf("column index %d out of range for arity %d", e.Index, len(row)))
	}
	return row[e.Index]
}

func (e *Column) String() string { return "#" + strconv.Itoa(e.Index) }

// Literal is a constant datum.
type Literal struct {
	Datum repr.Datum
}

func NewLiteral(d repr.Datum) *Literal { return &Literal{Datum: d} }

func (e *Literal) Eval(repr.Row) repr.Datum { return e.Datum }
func (e *Literal) String() string           { return e.Datum.String() }

// Func names a built-in scalar function.
type Func int

const (
	FuncAdd Func = iota
	FuncSub
	FuncMul
	FuncDiv
	FuncEq
	FuncNe
	FuncLt
	FuncLe
	FuncGt
	FuncGe
	FuncAnd
	FuncOr
	FuncNot
	FuncIsNull
	FuncConcat
)

var funcNames = map[Func]string{
	FuncAdd: "+", FuncSub: "-", FuncMul: "*", FuncDiv: "/",
	FuncEq: "=", FuncNe: "!=", FuncLt: "<", FuncLe: "<=",
	FuncGt: ">", FuncGe: ">=", FuncAnd: "AND", FuncOr: "OR",
	FuncNot: "NOT", FuncIsNull: "IS NULL", FuncConcat: "||",
}

// Call applies a built-in function to argument expressions.
type Call struct {
	Fn   Func
	Args []Expr
}

func NewCall(fn Func, args ...Expr) *Call { return &Call{Fn: fn, Args: args} }

func (e *Call) Eval(row repr.Row) repr.Datum {
	args := make([]repr.Datum, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.Eval(row)
		// Error datums poison the whole expression.
		if args[i].IsError() {
			return args[i]
		}
	}
	return applyFunc(e.Fn, args)
}

func (e *Call) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	if len(parts) == 2 {
		return fmt.Sprintf("(%s %s %s)", parts[0], funcNames[e.Fn], parts[1])
	}
	return fmt.Sprintf("%s(%s)", funcNames[e.Fn], strings.Join(parts, ", "))
}

func applyFunc(fn Func, args []repr.Datum) repr.Datum {
	switch fn {
	case FuncIsNull:
		return repr.Bool(args[0].IsNull())
	case FuncNot:
		if args[0].IsNull() {
			return repr.Null()
		}
		if args[0].Kind() != repr.KindBool {
			return repr.ErrorDatum("NOT applied to non-boolean")
		}
		return repr.Bool(!args[0].Bool())
	case FuncAnd, FuncOr:
		return evalLogic(fn, args[0], args[1])
	case FuncEq, FuncNe, FuncLt, FuncLe, FuncGt, FuncGe:
		return evalComparison(fn, args[0], args[1])
	case FuncAdd, FuncSub, FuncMul, FuncDiv:
		return evalArithmetic(fn, args[0], args[1])
	case FuncConcat:
		if args[0].IsNull() || args[1].IsNull() {
			return repr.Null()
		}
		if args[0].Kind() != repr.KindString || args[1].Kind() != repr.KindString {
			return repr.ErrorDatum("|| applied to non-string")
		}
		return repr.String(args[0].Str() + args[1].Str())
	}
	return repr.ErrorDatum(fmt.Sprintf("unknown function %d", fn))
}

func evalLogic(fn Func, a, b repr.Datum) repr.Datum {
	// Three-valued logic: NULL short-circuits unless the other operand
	// decides the result.
	boolOf := func(d repr.Datum) (bool, bool) {
		if d.Kind() == repr.KindBool {
			return d.Bool(), true
		}
		return false, false
	}
	av, aok := boolOf(a)
	bv, bok := boolOf(b)
	if fn == FuncAnd {
		if (aok && !av) || (bok && !bv) {
			return repr.Bool(false)
		}
		if aok && bok {
			return repr.Bool(true)
		}
		return repr.Null()
	}
	if (aok && av) || (bok && bv) {
		return repr.Bool(true)
	}
	if aok && bok {
		return repr.Bool(false)
	}
	return repr.Null()
}

func evalComparison(fn Func, a, b repr.Datum) repr.Datum {
	if a.IsNull() || b.IsNull() {
		return repr.Null()
	}
	if a.Kind() != b.Kind() {
		return repr.ErrorDatum(fmt.Sprintf("cannot compare %s to %s", a.Kind(), b.Kind()))
	}
	c := a.Compare(b)
	switch fn {
	case FuncEq:
		return repr.Bool(c == 0)
	case FuncNe:
		return repr.Bool(c != 0)
	case FuncLt:
		return repr.Bool(c < 0)
	case FuncLe:
		return repr.Bool(c <= 0)
	case FuncGt:
		return repr.Bool(c > 0)
	case FuncGe:
		return repr.Bool(c >= 0)
	}
	return repr.Null()
}

func evalArithmetic(fn Func, a, b repr.Datum) repr.Datum {
	if a.IsNull() || b.IsNull() {
		return repr.Null()
	}

	switch {
	case a.Kind() == repr.KindInt64 && b.Kind() == repr.KindInt64:
		return intArith(fn, a.Int64(), b.Int64())
	case a.Kind() == repr.KindFloat64 && b.Kind() == repr.KindFloat64:
		return floatArith(fn, a.Float64(), b.Float64())
	case a.Kind() == repr.KindFloat64 && b.Kind() == repr.KindInt64:
		return floatArith(fn, a.Float64(), float64(b.Int64()))
	case a.Kind() == repr.KindInt64 && b.Kind() == repr.KindFloat64:
		return floatArith(fn, float64(a.Int64()), b.Float64())
	}
	return repr.ErrorDatum(fmt.Sprintf("arithmetic on %s and %s", a.Kind(), b.Kind()))
}

func intArith(fn Func, a, b int64) repr.Datum {
	switch fn {
	case FuncAdd:
		return repr.AddInt64Checked(a, b)
	case FuncSub:
		return repr.SubInt64Checked(a, b)
	case FuncMul:
		if a != 0 && b != 0 {
			prod := a * b
			if prod/b != a {
				return repr.ErrorDatum(fmt.Sprintf("integer overflow: %d * %d", a, b))
			}
			return repr.Int64(prod)
		}
		return repr.Int64(0)
	case FuncDiv:
		if b == 0 {
			return repr.ErrorDatum("division by zero")
		}
		return repr.Int64(a / b)
	}
	return repr.ErrorDatum("unknown arithmetic function")
}

func floatArith(fn Func, a, b float64) repr.Datum {
	switch fn {
	case FuncAdd:
		return repr.Float64(a + b)
	case FuncSub:
		return repr.Float64(a - b)
	case FuncMul:
		return repr.Float64(a * b)
	case FuncDiv:
		if b == 0 {
			return repr.ErrorDatum("division by zero")
		}
		return repr.Float64(a / b)
	}
	return repr.ErrorDatum("unknown arithmetic function")
}

// Cast converts a datum to a target scalar type.
type Cast struct {
	To  repr.ScalarType
	Arg Expr
}

func NewCast(to repr.ScalarType, arg Expr) *Cast { return &Cast{To: to, Arg: arg} }

func (e *Cast) Eval(row repr.Row) repr.Datum {
	d := e.Arg.Eval(row)
	if d.IsError() || d.IsNull() {
		return d
	}
	return castDatum(d, e.To)
}

func (e *Cast) String() string {
	return fmt.Sprintf("CAST(%s AS %s)", e.Arg.String(), e.To.String())
}

func castDatum(d repr.Datum, to repr.ScalarType) repr.Datum {
	switch to {
	case repr.TypeInt64:
		switch d.Kind() {
		case repr.KindInt64:
			return d
		case repr.KindFloat64:
			f := d.Float64()
			if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
				return repr.ErrorDatum(fmt.Sprintf("cannot cast %v to int64", f))
			}
			return repr.Int64(int64(f))
		case repr.KindString:
			i, err := strconv.ParseInt(d.Str(), 10, 64)
			if err != nil {
				return repr.ErrorDatum(fmt.Sprintf("cannot cast %q to int64", d.Str()))
			}
			return repr.Int64(i)
		case repr.KindBool:
			if d.Bool() {
				return repr.Int64(1)
			}
			return repr.Int64(0)
		}
	case repr.TypeFloat64:
		switch d.Kind() {
		case repr.KindFloat64:
			return d
		case repr.KindInt64:
			return repr.Float64(float64(d.Int64()))
		case repr.KindString:
			f, err := strconv.ParseFloat(d.Str(), 64)
			if err != nil {
				return repr.ErrorDatum(fmt.Sprintf("cannot cast %q to float64", d.Str()))
			}
			return repr.Float64(f)
		}
	case repr.TypeString:
		return repr.String(d.String())
	case repr.TypeBool:
		switch d.Kind() {
		case repr.KindBool:
			return d
		case repr.KindString:
			b, err := strconv.ParseBool(d.Str())
			if err != nil {
				return repr.ErrorDatum(fmt.Sprintf("cannot cast %q to bool", d.Str()))
			}
			return repr.Bool(b)
		}
	}
	return repr.ErrorDatum(fmt.Sprintf("unsupported cast from %s to %s", d.Kind(), to))
}
