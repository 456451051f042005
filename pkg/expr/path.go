package expr

import (
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/hsnlab/matflow/pkg/repr"
)

// Path extracts a nested value from a list/record column with a JSONPath
// expression. The column datum is converted to its plain Go form, the path
// is applied, and the result converted back to a datum.
type Path struct {
	Col  int
	Path string
	expr jp.Expr
}

// NewPath compiles a path expression. Path parse failures are reported at
// construction (plan) time, not as row-level errors.
func NewPath(col int, path string) (*Path, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse path %q: %w", path, err)
	}
	return &Path{Col: col, Path: path, expr: x}, nil
}

func (e *Path) Eval(row repr.Row) repr.Datum {
	if e.Col < 0 || e.Col >= len(row) {
		return repr.ErrorDatum(fmt.Sprintf("column index %d out of range for arity %d", e.Col, len(row)))
	}
	d := row[e.Col]
	if d.IsError() || d.IsNull() {
		return d
	}
	if d.Kind() != repr.KindList && d.Kind() != repr.KindRecord {
		return repr.ErrorDatum(fmt.Sprintf("path access on %s column", d.Kind()))
	}

	results := e.expr.Get(d.GoValue())
	switch len(results) {
	case 0:
		return repr.Null()
	case 1:
		return repr.FromGoValue(results[0])
	default:
		return repr.FromGoValue(results)
	}
}

func (e *Path) String() string { return fmt.Sprintf("#%d%s", e.Col, e.Path) }
