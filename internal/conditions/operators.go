package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator names shared by condition leaves and change triggers.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIn             = "in"
	OpNotIn          = "not_in"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpExists         = "exists"
)

// ChangeOperators is the subset accepted on field/stage change triggers.
var ChangeOperators = []string{OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan}

// Compare applies op to a resolved field value and an operand. found tells
// whether the field was present at all (only exists/is_empty look at it).
func Compare(op string, actual any, found bool, operand any) (bool, error) {
	switch op {
	case OpEquals:
		return Equal(actual, operand), nil
	case OpNotEquals:
		return !Equal(actual, operand), nil
	case OpContains:
		return contains(actual, operand), nil
	case OpNotContains:
		return !contains(actual, operand), nil
	case OpStartsWith:
		return strings.HasPrefix(Stringify(actual), Stringify(operand)), nil
	case OpEndsWith:
		return strings.HasSuffix(Stringify(actual), Stringify(operand)), nil
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return compareNumbers(op, actual, operand)
	case OpIn:
		return memberOf(actual, operand)
	case OpNotIn:
		ok, err := memberOf(actual, operand)
		return !ok, err
	case OpIsEmpty:
		return !found || isEmpty(actual), nil
	case OpIsNotEmpty:
		return found && !isEmpty(actual), nil
	case OpExists:
		return found, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// Equal compares two JSON-shaped values. Numbers compare by value across
// Go numeric types; everything else uses deep equality.
func Equal(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// ToFloat coerces numbers and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	if f, ok := asNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// Stringify renders a scalar for string comparisons.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		if f, ok := asNumber(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(op string, actual, operand any) (bool, error) {
	a, ok := ToFloat(actual)
	if !ok {
		// A missing or non-numeric field never satisfies an ordering.
		return false, nil
	}
	b, ok := ToFloat(operand)
	if !ok {
		return false, fmt.Errorf("operator %q needs a numeric operand, got %T", op, operand)
	}
	switch op {
	case OpGreaterThan:
		return a > b, nil
	case OpLessThan:
		return a < b, nil
	case OpGreaterOrEqual:
		return a >= b, nil
	default:
		return a <= b, nil
	}
}

// contains is substring match on strings and membership on lists.
func contains(actual, operand any) bool {
	switch list := actual.(type) {
	case []any:
		for _, item := range list {
			if Equal(item, operand) {
				return true
			}
		}
		return false
	case []string:
		s := Stringify(operand)
		for _, item := range list {
			if item == s {
				return true
			}
		}
		return false
	case nil:
		return false
	}
	return strings.Contains(Stringify(actual), Stringify(operand))
}

func memberOf(actual, operand any) (bool, error) {
	switch list := operand.(type) {
	case []any:
		for _, item := range list {
			if Equal(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s := Stringify(actual)
		for _, item := range list {
			if item == s {
				return true, nil
			}
		}
		return false, nil
	case string:
		// Comma-separated shorthand: "web, referral".
		s := Stringify(actual)
		for _, item := range strings.Split(list, ",") {
			if strings.TrimSpace(item) == s {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("operator %q needs a list operand, got %T", OpIn, operand)
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
