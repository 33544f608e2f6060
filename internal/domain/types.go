// Package domain provides the canonical types and error taxonomy for the
// stage workflow engine.
package domain

import (
	"encoding/json"
	"time"
)

// Pipeline is a named, ordered set of stages an entity can move through.
// A published pipeline is immutable; a new version is a new Pipeline.
type Pipeline struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Stages []Stage `json:"stages"`
}

// StageByID returns the stage with the given ID, or nil.
func (p *Pipeline) StageByID(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// Stage is a named state within a pipeline. OrderIndex is a display and
// default-path hint only; transitions are the execution constraint.
type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	OrderIndex int    `json:"order_index"`
	Active     bool   `json:"active"`

	EntryRules []Rule `json:"entry_rules,omitempty"`
	ExitRules  []Rule `json:"exit_rules,omitempty"`
}

// Transition is an allowed directed move between two stages of the same
// pipeline. Self-loops are permitted only when explicitly modeled.
type Transition struct {
	PipelineID  string `json:"pipeline_id"`
	FromStageID string `json:"from_stage_id"`
	ToStageID   string `json:"to_stage_id"`
	Active      bool   `json:"active"`

	// Rules that must all pass in addition to the stage entry and exit
	// rules.
	Rules []Rule `json:"rules,omitempty"`

	// AllowedRoles restricts which actor roles may take this transition.
	// Empty means any actor.
	AllowedRoles []string `json:"allowed_roles,omitempty"`
}

// RoleAllowed reports whether the actor's role qualifies for this
// transition. An empty allow-list admits everyone.
func (t *Transition) RoleAllowed(role string) bool {
	if len(t.AllowedRoles) == 0 {
		return true
	}
	for _, r := range t.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// RuleTarget distinguishes where a rule is bound.
type RuleTarget string

const (
	RuleTargetEntry      RuleTarget = "entry"
	RuleTargetExit       RuleTarget = "exit"
	RuleTargetTransition RuleTarget = "transition"
)

// Rule is a side-effect-free predicate evaluated against the caller-supplied
// entity context. The predicate language is a simple field/operator/value
// triple.
type Rule struct {
	ID       string     `json:"id"`
	Field    string     `json:"field"`
	Operator string     `json:"operator"`
	Value    any        `json:"value,omitempty"`
	Target   RuleTarget `json:"target"`
}

// RuleResult records the outcome of evaluating one rule. The full result
// list is stored in history even when the transition is rejected.
type RuleResult struct {
	RuleID string     `json:"rule_id"`
	Target RuleTarget `json:"target"`
	Pass   bool       `json:"pass"`
	Detail string     `json:"detail,omitempty"`
}

// EntityRef identifies a business entity without holding any of its data.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Actor is the identity requesting a transition.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// EntityContext is the caller-supplied snapshot of entity fields rules are
// evaluated against. The engine never fetches entity data itself.
type EntityContext map[string]any

// Assignment is the single mutable fact: entity X is currently in stage S of
// pipeline P. Version increases by one on every committed transition and is
// the optimistic-concurrency token.
type Assignment struct {
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	PipelineID     string    `json:"pipeline_id"`
	CurrentStageID string    `json:"current_stage_id"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HistoryRecord is the immutable audit entry for one completed transition.
// Seq is monotonically increasing per (entity, pipeline) so gaps in the
// append-only log are detectable.
type HistoryRecord struct {
	ID          string       `json:"id"`
	EntityType  string       `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	PipelineID  string       `json:"pipeline_id"`
	Seq         int64        `json:"seq"`
	FromStageID string       `json:"from_stage_id,omitempty"` // empty for initial entry
	ToStageID   string       `json:"to_stage_id"`
	ActorID     string       `json:"actor_id"`
	Reason      string       `json:"reason,omitempty"`
	RuleResults []RuleResult `json:"rule_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AutomationTrigger says when a stage's automations fire.
type AutomationTrigger string

const (
	TriggerOnEnter AutomationTrigger = "on_enter"
	TriggerOnExit  AutomationTrigger = "on_exit"
)

// Automation is a declarative action descriptor. The engine forwards the
// config payload to the external executor without interpreting it.
type Automation struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AutomationBinding attaches an ordered list of automations to a stage for
// one trigger.
type AutomationBinding struct {
	StageID     string            `json:"stage_id"`
	Trigger     AutomationTrigger `json:"trigger"`
	Automations []Automation      `json:"automations"`
}
