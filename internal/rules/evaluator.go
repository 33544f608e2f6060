// Package rules evaluates stage and transition predicates against a
// caller-supplied entity context. Evaluation is pure: no storage access, no
// side effects, and no short-circuiting, so every result is available for the
// audit trail even when the overall check fails.
package rules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/freeflowhq/stageflow/internal/domain"
)

// Evaluate runs a single rule against the context. A malformed rule (unknown
// operator, missing comparison value, incompatible types) fails closed rather
// than erroring, with the problem recorded in the result detail.
func Evaluate(rule domain.Rule, ctx domain.EntityContext) domain.RuleResult {
	result := domain.RuleResult{RuleID: rule.ID, Target: rule.Target}

	if rule.Field == "" {
		result.Detail = "malformed rule: empty field"
		return result
	}

	fieldValue, present := ctx[rule.Field]

	switch rule.Operator {
	case "exists":
		result.Pass = present
		if !present {
			result.Detail = fmt.Sprintf("field %q not present", rule.Field)
		}
		return result

	case "eq", "neq":
		equal := valuesEqual(fieldValue, rule.Value)
		if rule.Operator == "eq" {
			result.Pass = present && equal
		} else {
			result.Pass = present && !equal
		}
		if !result.Pass {
			result.Detail = comparisonDetail(rule, fieldValue, present)
		}
		return result

	case "gt", "gte", "lt", "lte":
		if !present {
			result.Detail = fmt.Sprintf("field %q not present", rule.Field)
			return result
		}
		cmp, ok := compareOrdered(fieldValue, rule.Value)
		if !ok {
			result.Detail = fmt.Sprintf("malformed rule: cannot order %T against %T", fieldValue, rule.Value)
			return result
		}
		switch rule.Operator {
		case "gt":
			result.Pass = cmp > 0
		case "gte":
			result.Pass = cmp >= 0
		case "lt":
			result.Pass = cmp < 0
		case "lte":
			result.Pass = cmp <= 0
		}
		if !result.Pass {
			result.Detail = comparisonDetail(rule, fieldValue, present)
		}
		return result

	case "contains":
		result.Pass = containsValue(fieldValue, rule.Value)
		if !result.Pass {
			result.Detail = comparisonDetail(rule, fieldValue, present)
		}
		return result

	case "in":
		members, ok := rule.Value.([]any)
		if !ok {
			result.Detail = "malformed rule: in requires a list value"
			return result
		}
		for _, m := range members {
			if valuesEqual(fieldValue, m) {
				result.Pass = true
				return result
			}
		}
		result.Detail = comparisonDetail(rule, fieldValue, present)
		return result

	default:
		result.Detail = fmt.Sprintf("malformed rule: unknown operator %q", rule.Operator)
		return result
	}
}

// EvaluateAll runs every rule in order and reports whether all passed. It
// never stops early; the complete result list is the point.
func EvaluateAll(ruleSets [][]domain.Rule, ctx domain.EntityContext) ([]domain.RuleResult, bool) {
	var results []domain.RuleResult
	pass := true
	for _, set := range ruleSets {
		for _, r := range set {
			res := Evaluate(r, ctx)
			if !res.Pass {
				pass = false
			}
			results = append(results, res)
		}
	}
	return results, pass
}

func comparisonDetail(rule domain.Rule, fieldValue any, present bool) string {
	if !present {
		return fmt.Sprintf("field %q not present", rule.Field)
	}
	return fmt.Sprintf("%s: %v %s %v is false", rule.Field, fieldValue, rule.Operator, rule.Value)
}

// valuesEqual compares with numeric normalization, since JSON decoding hands
// us float64 while definitions may carry int literals.
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered returns -1, 0, or 1 for values that share an ordering:
// both numeric or both strings.
func compareOrdered(a, b any) (int, bool) {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
