package plan

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlanShape rejects plans with nodes the engine cannot lower
// or with cycles. Reported at plan time, before any dataflow is installed.
var ErrUnsupportedPlanShape = errors.New("unsupported plan shape")

// ErrAmbiguousKeyType rejects plans whose join or grouping key types cannot
// be resolved to a comparable, hashable representation.
var ErrAmbiguousKeyType = errors.New("ambiguous key type")

func NewUnsupportedPlanShapeError(detail string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedPlanShape, detail)
}

func NewAmbiguousKeyTypeError(detail string) error {
	return fmt.Errorf("%w: %s", ErrAmbiguousKeyType, detail)
}

// Validate walks a plan and rejects shapes the engine cannot execute: the
// plan must be a DAG over known node kinds, and every join/grouping key must
// have a hashable type. Validation errors are fully recoverable, no engine
// state changes.
func Validate(root Node) error {
	if root == nil {
		return NewUnsupportedPlanShapeError("empty plan")
	}
	return validate(root, make(map[Node]int))
}

const (
	visiting = 1
	visited  = 2
)

func validate(n Node, state map[Node]int) error {
	switch state[n] {
	case visiting:
		return NewUnsupportedPlanShapeError("plan contains a cycle")
	case visited:
		return nil
	}
	state[n] = visiting

	if err := validateNode(n); err != nil {
		return err
	}
	for _, in := range n.Inputs() {
		if in == nil {
			return NewUnsupportedPlanShapeError(fmt.Sprintf("%s has a nil input", n))
		}
		if err := validate(in, state); err != nil {
			return err
		}
	}

	state[n] = visited
	return nil
}

func validateNode(n Node) error {
	switch node := n.(type) {
	case *Scan:
		if node.Source == "" {
			return NewUnsupportedPlanShapeError("scan without a source name")
		}
	case *Filter:
		if node.Predicate == nil {
			return NewUnsupportedPlanShapeError("filter without a predicate")
		}
	case *Map:
		if len(node.Exprs) != node.Typ.Arity() {
			return NewUnsupportedPlanShapeError(fmt.Sprintf(
				"map emits %d expressions but declares arity %d", len(node.Exprs), node.Typ.Arity()))
		}
	case *Join:
		if len(node.LeftKeys) != len(node.RightKeys) {
			return NewUnsupportedPlanShapeError(fmt.Sprintf(
				"join key arity mismatch: %d vs %d", len(node.LeftKeys), len(node.RightKeys)))
		}
		if len(node.LeftKeys) == 0 {
			return NewUnsupportedPlanShapeError("join without key columns (cross joins are not incrementally maintainable)")
		}
		if err := checkKeyTypes(node.Left, node.LeftKeys, "join"); err != nil {
			return err
		}
		if err := checkKeyTypes(node.Right, node.RightKeys, "join"); err != nil {
			return err
		}
		for i := range node.LeftKeys {
			lt := node.Left.Schema().Columns[node.LeftKeys[i]].Type
			rt := node.Right.Schema().Columns[node.RightKeys[i]].Type
			if lt != rt {
				return NewAmbiguousKeyTypeError(fmt.Sprintf(
					"join key %d joins %s to %s", i, lt, rt))
			}
		}
	case *Reduce:
		if err := checkKeyTypes(node.Input, node.GroupKey, "grouping"); err != nil {
			return err
		}
		want := len(node.GroupKey) + len(node.Aggregates)
		if node.Typ.Arity() != want {
			return NewUnsupportedPlanShapeError(fmt.Sprintf(
				"reduce declares arity %d, expected %d", node.Typ.Arity(), want))
		}
	case *TopK:
		if node.K <= 0 {
			return NewUnsupportedPlanShapeError(fmt.Sprintf("top-k with k=%d", node.K))
		}
		if err := checkKeyTypes(node.Input, node.GroupKey, "grouping"); err != nil {
			return err
		}
	case *Union:
		if len(node.All) == 0 {
			return NewUnsupportedPlanShapeError("union without inputs")
		}
		arity := node.All[0].Schema().Arity()
		for _, in := range node.All[1:] {
			if in.Schema().Arity() != arity {
				return NewUnsupportedPlanShapeError("union inputs disagree on arity")
			}
		}
	case *Distinct, *Negate:
		// Always lowerable.
	default:
		return NewUnsupportedPlanShapeError(fmt.Sprintf("no physical lowering for %T", n))
	}
	return nil
}

func checkKeyTypes(input Node, keys []int, what string) error {
	schema := input.Schema()
	for _, k := range keys {
		if k < 0 || k >= schema.Arity() {
			return NewUnsupportedPlanShapeError(fmt.Sprintf(
				"%s key column %d out of range for arity %d", what, k, schema.Arity()))
		}
		if !schema.Columns[k].Type.Hashable() {
			return NewAmbiguousKeyTypeError(fmt.Sprintf(
				"%s key column %q has unresolved type", what, schema.Columns[k].Name))
		}
	}
	return nil
}
