package rules

import (
	"testing"

	"github.com/freeflowhq/stageflow/internal/domain"
)

func TestEvaluateOperators(t *testing.T) {
	ctx := domain.EntityContext{
		"amount":   1500.0,
		"count":    3,
		"region":   "emea",
		"owner":    "alice",
		"tags":     []any{"hot", "inbound"},
		"nickname": nil,
	}

	tests := []struct {
		name string
		rule domain.Rule
		pass bool
	}{
		{"eq string match", domain.Rule{ID: "r", Field: "region", Operator: "eq", Value: "emea"}, true},
		{"eq string mismatch", domain.Rule{ID: "r", Field: "region", Operator: "eq", Value: "apac"}, false},
		{"eq numeric cross-type", domain.Rule{ID: "r", Field: "count", Operator: "eq", Value: 3.0}, true},
		{"neq", domain.Rule{ID: "r", Field: "region", Operator: "neq", Value: "apac"}, true},
		{"neq equal values", domain.Rule{ID: "r", Field: "region", Operator: "neq", Value: "emea"}, false},
		{"gt pass", domain.Rule{ID: "r", Field: "amount", Operator: "gt", Value: 0}, true},
		{"gt fail at boundary", domain.Rule{ID: "r", Field: "amount", Operator: "gt", Value: 1500}, false},
		{"gte boundary", domain.Rule{ID: "r", Field: "amount", Operator: "gte", Value: 1500}, true},
		{"lt", domain.Rule{ID: "r", Field: "count", Operator: "lt", Value: 10}, true},
		{"lte boundary", domain.Rule{ID: "r", Field: "count", Operator: "lte", Value: 3}, true},
		{"string ordering", domain.Rule{ID: "r", Field: "owner", Operator: "lt", Value: "bob"}, true},
		{"contains substring", domain.Rule{ID: "r", Field: "region", Operator: "contains", Value: "me"}, true},
		{"contains list member", domain.Rule{ID: "r", Field: "tags", Operator: "contains", Value: "hot"}, true},
		{"contains missing member", domain.Rule{ID: "r", Field: "tags", Operator: "contains", Value: "cold"}, false},
		{"in pass", domain.Rule{ID: "r", Field: "region", Operator: "in", Value: []any{"emea", "apac"}}, true},
		{"in fail", domain.Rule{ID: "r", Field: "region", Operator: "in", Value: []any{"amer"}}, false},
		{"exists present", domain.Rule{ID: "r", Field: "owner", Operator: "exists"}, true},
		{"exists nil value still present", domain.Rule{ID: "r", Field: "nickname", Operator: "exists"}, true},
		{"exists absent", domain.Rule{ID: "r", Field: "ghost", Operator: "exists"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rule, ctx)
			if got.Pass != tt.pass {
				t.Errorf("Evaluate(%+v) pass = %v, want %v (detail: %s)", tt.rule, got.Pass, tt.pass, got.Detail)
			}
		})
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	ctx := domain.EntityContext{"amount": 100.0}

	tests := []struct {
		name string
		rule domain.Rule
	}{
		{"unknown operator", domain.Rule{ID: "r", Field: "amount", Operator: "matches", Value: 1}},
		{"empty field", domain.Rule{ID: "r", Field: "", Operator: "eq", Value: 1}},
		{"ordering against string", domain.Rule{ID: "r", Field: "amount", Operator: "gt", Value: "high"}},
		{"in without list", domain.Rule{ID: "r", Field: "amount", Operator: "in", Value: 100.0}},
		{"missing field on eq", domain.Rule{ID: "r", Field: "ghost", Operator: "eq", Value: 1}},
		{"missing field on gt", domain.Rule{ID: "r", Field: "ghost", Operator: "gt", Value: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rule, ctx)
			if got.Pass {
				t.Errorf("Evaluate(%+v) passed, want fail-closed", tt.rule)
			}
			if got.Detail == "" {
				t.Errorf("Evaluate(%+v) has no detail explaining the failure", tt.rule)
			}
		})
	}
}

func TestEvaluateAllNoShortCircuit(t *testing.T) {
	ctx := domain.EntityContext{"amount": 0.0, "owner": "alice"}

	sets := [][]domain.Rule{
		{
			{ID: "amount-positive", Field: "amount", Operator: "gt", Value: 0, Target: domain.RuleTargetEntry},
		},
		{
			{ID: "has-owner", Field: "owner", Operator: "exists", Target: domain.RuleTargetEntry},
			{ID: "amount-cap", Field: "amount", Operator: "lt", Value: 1000000, Target: domain.RuleTargetEntry},
		},
	}

	results, pass := EvaluateAll(sets, ctx)
	if pass {
		t.Fatal("EvaluateAll passed despite a failing rule")
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 (evaluation must not short-circuit)", len(results))
	}

	byID := map[string]domain.RuleResult{}
	for _, r := range results {
		byID[r.RuleID] = r
	}
	if byID["amount-positive"].Pass {
		t.Error("amount-positive should fail")
	}
	if !byID["has-owner"].Pass || !byID["amount-cap"].Pass {
		t.Error("rules after the failing one must still be evaluated and pass")
	}
}

func TestEvaluateAllEmpty(t *testing.T) {
	results, pass := EvaluateAll(nil, domain.EntityContext{})
	if !pass {
		t.Error("no rules means vacuous pass")
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}
