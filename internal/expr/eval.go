package expr

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr/ast"

	"github.com/spawner/orchestrator/internal/domain"
)

// Eval evaluates the expression against data and coerces the result to a bool.
func (e *Expr) Eval(data map[string]any) (bool, error) {
	v, err := eval(e.root, data)
	if err != nil {
		return false, domain.WrapEngineError(domain.ErrConditionEval.Code, domain.ErrConditionEval.Message, err)
	}
	return Truthy(v), nil
}

// Evaluate parses and evaluates src in one call.
func Evaluate(src string, data map[string]any) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.Eval(data)
}

func eval(n ast.Node, data map[string]any) (any, error) {
	switch t := n.(type) {
	case *ast.NilNode:
		return nil, nil
	case *ast.BoolNode:
		return t.Value, nil
	case *ast.IntegerNode:
		return float64(t.Value), nil
	case *ast.FloatNode:
		return t.Value, nil
	case *ast.StringNode:
		return t.Value, nil
	case *ast.IdentifierNode:
		// "null" is not an expr-lang keyword; as a missing field it is nil.
		return Lookup(data, t.Value), nil
	case *ast.MemberNode:
		path, _ := fieldPath(t)
		return Lookup(data, path), nil
	case *ast.UnaryNode:
		v, err := eval(t.Node, data)
		if err != nil {
			return nil, err
		}
		if t.Operator == "-" {
			f, _ := toFloat(v)
			return -f, nil
		}
		return !Truthy(v), nil
	case *ast.BinaryNode:
		return evalBinary(t, data)
	}
	return nil, fmt.Errorf("unsupported node %s", n.String())
}

func evalBinary(b *ast.BinaryNode, data map[string]any) (any, error) {
	left, err := eval(b.Left, data)
	if err != nil {
		return nil, err
	}
	switch b.Operator {
	case "&&", "and":
		if !Truthy(left) {
			return false, nil
		}
		right, err := eval(b.Right, data)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||", "or":
		if Truthy(left) {
			return true, nil
		}
		right, err := eval(b.Right, data)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := eval(b.Right, data)
	if err != nil {
		return nil, err
	}
	switch b.Operator {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}
	c, err := compare(left, right)
	if err != nil {
		return nil, err
	}
	switch b.Operator {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// Lookup resolves a field name in data. An exact key wins; otherwise a dotted
// path walks nested maps. Missing fields resolve to nil.
func Lookup(data map[string]any, path string) any {
	if v, ok := data[path]; ok {
		return v
	}
	if !strings.Contains(path, ".") {
		return nil
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// Truthy reports the boolean interpretation of a data-bag value.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	as, ok := a.(string)
	if !ok {
		return 0, fmt.Errorf("cannot order %T", a)
	}
	bs, ok := b.(string)
	if !ok {
		return 0, fmt.Errorf("cannot compare string with %T", b)
	}
	return strings.Compare(as, bs), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
