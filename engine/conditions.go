package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/careflowhq/careflow/graph"
)

// resolveOperand turns a condition operand into a concrete value. A
// string prefixed with "$" is a variable reference; anything else is a
// literal.
func resolveOperand(operand any, vars map[string]any) any {
	s, ok := operand.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return operand
	}
	return vars[strings.TrimPrefix(s, "$")]
}

// evaluateCondition resolves both operands against the variable map and
// applies the comparison operator.
func evaluateCondition(cond graph.Condition, vars map[string]any) (bool, error) {
	left := resolveOperand(cond.Left, vars)
	right := resolveOperand(cond.Right, vars)

	switch cond.Operator {
	case graph.OpEq:
		return looseEqual(left, right), nil
	case graph.OpNeq:
		return !looseEqual(left, right), nil
	case graph.OpGt, graph.OpGte, graph.OpLt, graph.OpLte:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T",
				cond.Operator, left, right)
		}
		switch cond.Operator {
		case graph.OpGt:
			return lf > rf, nil
		case graph.OpGte:
			return lf >= rf, nil
		case graph.OpLt:
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	case graph.OpContains:
		return contains(left, right)
	default:
		return false, fmt.Errorf("unknown comparison operator: %q", cond.Operator)
	}
}

// looseEqual compares values, treating all numeric types as float64 so
// JSON-decoded numbers compare equal to Go ints.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// contains handles string containment and slice membership.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string requires a string needle, got %T", needle)
		}
		return strings.Contains(h, n), nil
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), needle) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, fmt.Errorf("contains requires a string or slice haystack, got %T", haystack)
}

// collectionElements coerces a foreach collection variable into a slice
// of elements.
func collectionElements(v any) ([]any, error) {
	if v == nil {
		return nil, fmt.Errorf("collection variable is unset")
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("collection variable must be a slice, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
