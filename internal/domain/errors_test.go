package domain

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_HTTPStatusCode(t *testing.T) {
	cases := []struct {
		errType ErrorType
		want    int
	}{
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeAlreadyExists, http.StatusConflict},
		{ErrorTypeConflict, http.StatusConflict},
		{ErrorTypeTransitionNotAllowed, http.StatusUnprocessableEntity},
		{ErrorTypeRuleFailed, http.StatusUnprocessableEntity},
		{ErrorTypeActorNotPermitted, http.StatusForbidden},
		{ErrorTypeDuplicateTransition, http.StatusConflict},
		{ErrorTypeStageInUse, http.StatusConflict},
		{ErrorTypeInvalid, http.StatusBadRequest},
		{ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, c := range cases {
		got := NewError(c.errType, "x").HTTPStatusCode()
		if got != c.want {
			t.Errorf("HTTPStatusCode(%s) = %d, want %d", c.errType, got, c.want)
		}
	}
}

func TestError_Retryable(t *testing.T) {
	if !ErrConflict("version moved").Retryable() {
		t.Error("conflict should be retryable")
	}
	if ErrNotFound("gone").Retryable() {
		t.Error("not_found should not be retryable")
	}
	if ErrRuleFailed(nil).Retryable() {
		t.Error("rule_failed should not be retryable")
	}
}

func TestErrRuleFailed_CarriesResults(t *testing.T) {
	results := []RuleResult{
		{RuleID: "r1", Pass: true},
		{RuleID: "r2", Pass: false, Detail: "amount must be > 0"},
	}

	err := ErrRuleFailed(results)

	var engineErr *Error
	if !errors.As(error(err), &engineErr) {
		t.Fatal("errors.As failed to unwrap *Error")
	}
	if len(engineErr.RuleResults) != 2 {
		t.Fatalf("RuleResults count = %d, want 2", len(engineErr.RuleResults))
	}
	if engineErr.Message != "1 rule(s) failed" {
		t.Errorf("Message = %q, want %q", engineErr.Message, "1 rule(s) failed")
	}
}

func TestTransition_RoleAllowed(t *testing.T) {
	open := &Transition{}
	if !open.RoleAllowed("anyone") {
		t.Error("empty allow-list should admit any role")
	}

	restricted := &Transition{AllowedRoles: []string{"manager", "admin"}}
	if !restricted.RoleAllowed("manager") {
		t.Error("manager should be allowed")
	}
	if restricted.RoleAllowed("viewer") {
		t.Error("viewer should not be allowed")
	}
}
