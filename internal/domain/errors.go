package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an engine error. The categories map
// onto the retry semantics the API promises: only conflicts are safely
// retryable without caller intervention.
type ErrorType string

const (
	// ErrorTypeNotFound indicates a pipeline, stage, or assignment was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeAlreadyExists indicates an assignment already exists for the entity.
	ErrorTypeAlreadyExists ErrorType = "already_exists"

	// ErrorTypeTransitionNotAllowed indicates no active transition connects the stages.
	ErrorTypeTransitionNotAllowed ErrorType = "transition_not_allowed"

	// ErrorTypeActorNotPermitted indicates the actor's role is not on the allow-list.
	ErrorTypeActorNotPermitted ErrorType = "actor_not_permitted"

	// ErrorTypeRuleFailed indicates one or more guard rules rejected the move.
	ErrorTypeRuleFailed ErrorType = "rule_failed"

	// ErrorTypeConflict indicates the optimistic version check lost a race.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeDuplicateTransition indicates two active transitions would connect
	// the same ordered pair of stages.
	ErrorTypeDuplicateTransition ErrorType = "duplicate_transition"

	// ErrorTypeStageInUse indicates a stage with live assignments cannot be deactivated.
	ErrorTypeStageInUse ErrorType = "stage_in_use"

	// ErrorTypeInvalid indicates malformed caller input.
	ErrorTypeInvalid ErrorType = "invalid"

	// ErrorTypeInternal indicates a storage or engine failure.
	ErrorTypeInternal ErrorType = "internal"
)

// Error is the canonical engine error. RuleResults carries the full evaluated
// rule list when Type is ErrorTypeRuleFailed so callers can explain to an end
// user what is missing.
type Error struct {
	Type        ErrorType    `json:"type"`
	Message     string       `json:"message"`
	RuleResults []RuleResult `json:"rule_results,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Retryable reports whether resubmitting after a re-read can succeed.
func (e *Error) Retryable() bool {
	return e.Type == ErrorTypeConflict
}

// HTTPStatusCode returns the status code the API layer should use.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAlreadyExists, ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTransitionNotAllowed, ErrorTypeRuleFailed:
		return http.StatusUnprocessableEntity
	case ErrorTypeActorNotPermitted:
		return http.StatusForbidden
	case ErrorTypeDuplicateTransition, ErrorTypeStageInUse:
		return http.StatusConflict
	case ErrorTypeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an engine error.
func NewError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound reports a missing pipeline, stage, or assignment.
func ErrNotFound(format string, args ...any) *Error {
	return NewError(ErrorTypeNotFound, format, args...)
}

// ErrAlreadyExists reports an assignment that already exists.
func ErrAlreadyExists(format string, args ...any) *Error {
	return NewError(ErrorTypeAlreadyExists, format, args...)
}

// ErrTransitionNotAllowed reports a graph-shape violation: no active
// transition connects the current stage to the requested one.
func ErrTransitionNotAllowed(fromStageID, toStageID string) *Error {
	return NewError(ErrorTypeTransitionNotAllowed,
		"no active transition from %s to %s", fromStageID, toStageID)
}

// ErrActorNotPermitted reports an actor whose role is not on the
// transition's allow-list.
func ErrActorNotPermitted(actorID string) *Error {
	return NewError(ErrorTypeActorNotPermitted, "actor %s not permitted", actorID)
}

// ErrRuleFailed reports a business-rule rejection carrying every evaluated
// rule result, passed and failed alike.
func ErrRuleFailed(results []RuleResult) *Error {
	failed := 0
	for _, r := range results {
		if !r.Pass {
			failed++
		}
	}
	err := NewError(ErrorTypeRuleFailed, "%d rule(s) failed", failed)
	err.RuleResults = results
	return err
}

// ErrConflict reports a lost optimistic-concurrency race.
func ErrConflict(format string, args ...any) *Error {
	return NewError(ErrorTypeConflict, format, args...)
}

// ErrDuplicateTransition reports a second active edge between the same
// ordered pair of stages.
func ErrDuplicateTransition(fromStageID, toStageID string) *Error {
	return NewError(ErrorTypeDuplicateTransition,
		"active transition from %s to %s already exists", fromStageID, toStageID)
}

// ErrStageInUse reports an attempt to deactivate a stage with live assignments.
func ErrStageInUse(stageID string, count int64) *Error {
	return NewError(ErrorTypeStageInUse,
		"stage %s has %d live assignment(s)", stageID, count)
}
