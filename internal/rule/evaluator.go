package rule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Evaluate reports whether the event satisfies the condition, using the
// current time for temporal operators.
func Evaluate(node ConditionNode, event Event) bool {
	return EvaluateAt(node, event, time.Now())
}

// EvaluateAt is Evaluate with a fixed clock. It never mutates its inputs and
// always returns; a missing or ill-typed field makes the leaf false.
func EvaluateAt(node ConditionNode, event Event, now time.Time) bool {
	switch n := node.(type) {
	case nil:
		return true // No condition means automatic match
	case *Group:
		return evaluateGroup(n, event, now)
	case *Leaf:
		return evaluateLeaf(n, event.Fields, now)
	default:
		return false
	}
}

// evaluateGroup applies the group operator with short-circuiting
func evaluateGroup(g *Group, event Event, now time.Time) bool {
	switch g.Op {
	case OpAnd:
		for _, child := range g.Children {
			if !EvaluateAt(child, event, now) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range g.Children {
			if EvaluateAt(child, event, now) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// evaluateLeaf evaluates a single condition against event fields
func evaluateLeaf(leaf *Leaf, fields map[string]interface{}, now time.Time) bool {
	value, exists := lookupField(fields, leaf.Field, leaf.path)
	if !exists || value == nil {
		return false
	}

	switch leaf.Operator {
	case OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorLessThan, OperatorLessThanOrEqual:
		n, ok := toNumber(value)
		if !ok {
			return false
		}
		return compareNumbers(leaf.Operator, n, leaf.number)

	case OperatorEquals:
		eq, ok := leafEquals(leaf, value)
		return ok && eq
	case OperatorNotEquals:
		eq, ok := leafEquals(leaf, value)
		return ok && !eq

	case OperatorContains:
		if items, ok := value.([]interface{}); ok {
			return inList(leaf, value, items, true)
		}
		return stringOp(leaf, value, strings.Contains)
	case OperatorStartsWith:
		return stringOp(leaf, value, strings.HasPrefix)
	case OperatorEndsWith:
		return stringOp(leaf, value, strings.HasSuffix)

	case OperatorIn:
		return inList(leaf, value, leaf.list, false)
	case OperatorNotIn:
		if _, ok := scalarString(value); !ok {
			return false
		}
		return !inList(leaf, value, leaf.list, false)

	case OperatorRegex:
		s, ok := scalarString(value)
		if !ok || leaf.pattern == nil {
			return false
		}
		return leaf.pattern.MatchString(s)

	case OperatorWithinMinutes, OperatorWithinHours:
		ts, ok := toTime(value)
		if !ok {
			return false
		}
		return now.Sub(ts) <= leaf.window

	default:
		return false
	}
}

// lookupField resolves a field by its literal key first, then by dot-path
// through nested maps.
func lookupField(fields map[string]interface{}, field string, path []string) (interface{}, bool) {
	if fields == nil {
		return nil, false
	}
	if v, ok := fields[field]; ok {
		return v, true
	}
	if len(path) < 2 {
		return nil, false
	}

	var current interface{} = fields
	for _, key := range path {
		m, ok := normalizeMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareNumbers(op Operator, a, b float64) bool {
	switch op {
	case OperatorGreaterThan:
		return a > b
	case OperatorGreaterThanOrEqual:
		return a >= b
	case OperatorLessThan:
		return a < b
	case OperatorLessThanOrEqual:
		return a <= b
	}
	return false
}

// leafEquals compares the field with the leaf literal. ok is false when
// the field cannot be coerced to the literal's type.
func leafEquals(leaf *Leaf, value interface{}) (eq bool, ok bool) {
	switch {
	case leaf.isNum:
		n, ok := toNumber(value)
		if !ok {
			return false, false
		}
		return n == leaf.number, true
	case leaf.isBool:
		b, ok := toBool(value)
		if !ok {
			return false, false
		}
		return b == leaf.boolean, true
	case leaf.list != nil:
		items, ok := value.([]interface{})
		if !ok {
			return false, false
		}
		if len(items) != len(leaf.list) {
			return false, true
		}
		for i := range items {
			if !scalarEquals(items[i], leaf.list[i], leaf.IgnoreCase) {
				return false, true
			}
		}
		return true, true
	default:
		s, ok := scalarString(value)
		if !ok {
			return false, false
		}
		want, _ := scalarString(leaf.Value)
		if leaf.IgnoreCase {
			return strings.EqualFold(s, want), true
		}
		return s == want, true
	}
}

// scalarEquals compares numbers numerically and everything else by string form.
func scalarEquals(a, b interface{}, ignoreCase bool) bool {
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
	}
	sa, ok := scalarString(a)
	if !ok {
		return false
	}
	sb, ok := scalarString(b)
	if !ok {
		return false
	}
	if ignoreCase {
		return strings.EqualFold(sa, sb)
	}
	return sa == sb
}

// inList tests membership. When reversed, the leaf literal is looked up in
// the field's list instead.
func inList(leaf *Leaf, value interface{}, items []interface{}, reversed bool) bool {
	needle := value
	if reversed {
		needle = leaf.Value
	}
	for _, item := range items {
		if scalarEquals(needle, item, leaf.IgnoreCase) {
			return true
		}
	}
	return false
}

func stringOp(leaf *Leaf, value interface{}, fn func(s, sub string) bool) bool {
	s, ok := scalarString(value)
	if !ok {
		return false
	}
	sub, _ := scalarString(leaf.Value)
	if leaf.IgnoreCase {
		s, sub = strings.ToLower(s), strings.ToLower(sub)
	}
	return fn(s, sub)
}

// Type conversion helper functions
func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// scalarString renders a scalar value for string comparison. Maps and
// lists are not scalars.
func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case time.Time:
		return val.Format(time.RFC3339), true
	case json.Number:
		return val.String(), true
	case map[string]interface{}, map[interface{}]interface{}, []interface{}:
		return "", false
	case fmt.Stringer:
		return val.String(), true
	}
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return fmt.Sprintf("%v", v), true
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b, true
		}
	}
	return false, false
}

// toTime accepts time.Time, RFC3339 strings and Unix seconds.
func toTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, !val.IsZero()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	if n, ok := toNumber(v); ok && n > 0 {
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec), true
	}
	return time.Time{}, false
}
